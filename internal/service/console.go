package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/internal/database"
	"github.com/cmlconsolepro/cmlconsolepro/internal/model"
	"github.com/cmlconsolepro/cmlconsolepro/internal/util"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/expect"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

// ConsoleService 控制台任务执行服务
// 每个任务独占一条控制台会话：签发密钥、建会话、批量执行、归档、落库
type ConsoleService struct {
	config  *config.Config
	cml     *CMLClient
	storage StorageWriter
	sem     *semaphore.Weighted
	mutex   sync.RWMutex
	running bool
	tasks   map[string]*TaskContext

	// dial 可注入的通道工厂；为空时走 SSH
	dial func() (expect.Transport, error)
}

// TaskContext 任务上下文
type TaskContext struct {
	Task      *model.Task
	Cancel    context.CancelFunc
	Session   *Session
	StartTime time.Time
	Status    string
}

// ConsoleRequest 控制台任务请求
type ConsoleRequest struct {
	TaskID string `json:"task_id,omitempty"`
	// Lab 实验室标识，Node 为节点标签
	Lab  string `json:"lab"`
	Node string `json:"node"`
	// Line 串口线号，多数节点定义只有 0 号线
	Line int `json:"line,omitempty"`
	// Type 任务类型：exec | config，缺省 exec
	Type     string   `json:"type,omitempty"`
	Commands []string `json:"commands"`
	// 设备凭据；缺省时回退到 console 配置段的默认凭据
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	EnablePassword string `json:"enable_password,omitempty"`
	// PromptHint 设备提示符正则提示（主机名改名等场景）
	PromptHint string `json:"prompt_hint,omitempty"`
	// Timeout 任务整体超时（秒），缺省用 collector.task_timeout
	Timeout *int `json:"timeout,omitempty"`
}

// CommandView 对外输出的单命令结果
type CommandView struct {
	Command string `json:"command"`
	// RawOutput 清洗后的转录（去回显、去提示符、去 ANSI）
	RawOutput string `json:"raw_output"`
	// Parsed 结构化解析结果；无解析器时为空数组
	Parsed     interface{} `json:"parsed"`
	ParserUsed bool        `json:"parser_used"`
	// ParserNote 解析未生效的原因（无解析器或解析失败）
	ParserNote string `json:"parser_note,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// ConsoleResponse 控制台任务响应
type ConsoleResponse struct {
	TaskID     string         `json:"task_id"`
	Success    bool           `json:"success"`
	Results    []*CommandView `json:"results"`
	Warnings   []string       `json:"warnings,omitempty"`
	FinalMode  string         `json:"final_mode,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	ArchiveRef string         `json:"archive_ref,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewConsoleService 创建控制台任务服务
func NewConsoleService(cfg *config.Config) *ConsoleService {
	return &ConsoleService{
		config:  cfg,
		cml:     NewCMLClient(cfg.CML),
		storage: NewStorageWriter(cfg),
		sem:     semaphore.NewWeighted(int64(cfg.Collector.Concurrent)),
		tasks:   make(map[string]*TaskContext),
	}
}

// CML 暴露底层控制器客户端（拓扑查询接口复用）
func (s *ConsoleService) CML() *CMLClient {
	return s.cml
}

// Start 启动服务
func (s *ConsoleService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("console service is already running")
	}
	s.running = true
	logger.Info("Console service started")

	go s.cleanupTasks(ctx)
	return nil
}

// Stop 停止服务并取消所有在途任务
func (s *ConsoleService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	for _, taskCtx := range s.tasks {
		if taskCtx.Session != nil {
			taskCtx.Session.Close()
		}
		if taskCtx.Cancel != nil {
			taskCtx.Cancel()
		}
	}

	logger.Info("Console service stopped")
	return nil
}

// ExecuteTask 执行控制台任务
// 错误统一以响应体返回，error 仅用于服务未运行或请求本身不合法
func (s *ConsoleService) ExecuteTask(ctx context.Context, request *ConsoleRequest) (*ConsoleResponse, error) {
	if !s.isRunning() {
		return nil, fmt.Errorf("console service is not running")
	}
	if strings.TrimSpace(request.Lab) == "" || strings.TrimSpace(request.Node) == "" {
		return nil, fmt.Errorf("lab and node are required")
	}

	taskType := strings.ToLower(strings.TrimSpace(request.Type))
	if taskType == "" {
		taskType = model.TaskTypeExec
	}
	switch taskType {
	case model.TaskTypeExec, model.TaskTypeConfig:
		if len(request.Commands) == 0 {
			return nil, fmt.Errorf("commands must not be empty")
		}
	case model.TaskTypeFacts:
		// facts 任务由设备系列决定命令，不接受调用方指定
		if len(request.Commands) > 0 {
			return nil, fmt.Errorf("facts task does not accept commands")
		}
	default:
		return nil, fmt.Errorf("unsupported task type: %s", request.Type)
	}

	effTimeout := s.config.Collector.TaskTimeout
	if request.Timeout != nil && *request.Timeout > 0 {
		effTimeout = time.Duration(*request.Timeout) * time.Second
	}

	// 排队与执行共用同一截止时刻，排队耗时不叠加到总预算之外
	taskCtx, cancel := context.WithTimeout(ctx, effTimeout)
	defer cancel()
	if err := s.sem.Acquire(taskCtx, 1); err != nil {
		return nil, fmt.Errorf("task queue wait timeout after %s: %w", effTimeout, err)
	}
	defer s.sem.Release(1)

	taskID := strings.TrimSpace(request.TaskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	startTime := time.Now()
	log := logger.Session(taskID, request.Node)

	task := &model.Task{
		ID:        taskID,
		Lab:       request.Lab,
		Node:      request.Node,
		Line:      request.Line,
		Type:      taskType,
		Commands:  strings.Join(request.Commands, "\n"),
		Status:    model.TaskStatusRunning,
		StartTime: startTime,
		CreatedAt: startTime,
		UpdatedAt: startTime,
	}
	if err := s.saveTask(task); err != nil {
		log.Errorf("保存任务失败: %v", err)
	}

	tctx := &TaskContext{
		Task:      task,
		Cancel:    cancel,
		StartTime: startTime,
		Status:    model.TaskStatusRunning,
	}
	s.addTaskContext(taskID, tctx)
	defer s.removeTaskContext(taskID)

	response := &ConsoleResponse{
		TaskID:    taskID,
		Timestamp: startTime,
	}

	result, family, serr := s.runConsoleTask(taskCtx, request, taskType, tctx, log)
	response.DurationMS = time.Since(startTime).Milliseconds()
	// facts 任务的实际命令在系列解析后才确定，回填任务记录
	task.Commands = strings.Join(request.Commands, "\n")
	task.Duration = response.DurationMS
	task.EndTime = time.Now()
	task.UpdatedAt = task.EndTime

	if serr != nil {
		response.Success = false
		response.ErrorKind = serr.Kind
		response.Error = serr.Message
		response.Results = s.renderChunks(taskID, request.Node, family, serr.Partial)
		task.Status = statusForError(serr, taskCtx)
		task.ErrorKind = serr.Kind
		task.ErrorMsg = serr.Error()
		tctx.Status = task.Status
		s.logTaskError(taskID, serr.Error())
	} else {
		response.Success = true
		response.Results = s.renderChunks(taskID, request.Node, family, result.Chunks)
		response.Warnings = result.Warnings
		response.FinalMode = result.FinalMode
		task.Status = model.TaskStatusSuccess
		task.FinalMode = result.FinalMode
		tctx.Status = model.TaskStatusSuccess
		s.logTaskInfo(taskID, fmt.Sprintf("console task completed, executed %d commands", len(result.Chunks)))
	}

	// 归档原始转录；归档失败不影响任务结果
	chunks := result.Chunks
	if serr != nil {
		chunks = serr.Partial
	}
	if len(chunks) > 0 {
		if ref, err := s.archiveTranscript(taskCtx, request, taskID, chunks); err != nil {
			log.Warnf("转录归档失败: %v", err)
		} else {
			response.ArchiveRef = ref
			task.ArchiveRef = ref
		}
	}

	if data, err := json.Marshal(response.Results); err == nil {
		task.Result = string(data)
	}
	if err := s.updateTask(task); err != nil {
		log.Errorf("更新任务失败: %v", err)
	}

	return response, nil
}

// runConsoleTask 解析拓扑、签发密钥并驱动会话执行
func (s *ConsoleService) runConsoleTask(ctx context.Context, request *ConsoleRequest, taskType string, tctx *TaskContext, log *logrus.Entry) (*ExecResult, model.DeviceFamily, *SessionError) {
	family := model.FamilyFor("")

	node, err := s.cml.GetNodeByLabel(ctx, request.Lab, request.Node)
	if err != nil {
		return &ExecResult{}, family, &SessionError{
			Kind:         ErrKindRuntime,
			Message:      fmt.Sprintf("failed to resolve node %q: %v", request.Node, err),
			CommandIndex: -1,
			Err:          err,
		}
	}
	family = model.FamilyFor(node.Definition)
	s.rememberNode(request.Lab, node)

	if taskType == model.TaskTypeFacts {
		// 按系列能力表下发默认查询
		request.Commands = []string{family.ShowVersion, family.ShowInterfaces}
	}

	secret, err := s.cml.GetConsoleKey(ctx, request.Lab, node.ID, request.Line)
	if err != nil {
		return &ExecResult{}, family, &SessionError{
			Kind:         ErrKindConnection,
			Message:      fmt.Sprintf("failed to issue console key: %v", err),
			CommandIndex: -1,
			Err:          err,
		}
	}

	creds := DeviceCredentials{
		Username: request.Username,
		Password: request.Password,
		Enable:   request.EnablePassword,
	}
	if creds.Username == "" {
		creds.Username = s.config.Console.DeviceUsername
	}
	if creds.Password == "" {
		creds.Password = s.config.Console.DevicePassword
	}
	if creds.Enable == "" {
		creds.Enable = s.config.Console.EnablePassword
	}
	if family.EnableRequired && creds.Enable == "" && creds.Password == "" {
		s.logTaskWarn(tctx.Task.ID, fmt.Sprintf("%s 系列通常需要 enable 提权，但未提供任何口令", node.Definition))
	}

	dial := s.dial
	if dial == nil {
		dial = func() (expect.Transport, error) {
			return expect.DialSSH(expect.DialOptions{
				Host:     s.config.CML.Host,
				Port:     s.config.CML.ConsolePort,
				Username: s.config.CML.Username,
				Password: s.config.CML.Password,
				Timeout:  s.config.Console.ConnectTimeout,
			})
		}
	}

	sess := NewSession(SessionParams{
		Dial: dial,
		ConsolePassword: s.config.CML.Password,
		Secret:          secret,
		Device:          creds,
		PromptHint:      request.PromptHint,
		Timing:          s.config.Console,
		Log:             log,
	})

	// 取消即强制关会话，解除阻塞中的期望
	tctx.Session = sess
	stop := context.AfterFunc(ctx, sess.Close)
	defer stop()

	if serr := sess.Open(); serr != nil {
		return &ExecResult{}, family, serr
	}

	if taskType == model.TaskTypeConfig {
		result, serr := sess.RunConfigBatch(request.Commands, family.ConfigEnter, family.ConfigExit)
		if serr == nil {
			sess.Detach()
		}
		return result, family, serr
	}

	// exec 任务先关分页；该命令都下不去说明会话已坏，直接判失败
	if family.DisablePaging != "" {
		if _, serr := sess.Run(family.DisablePaging); serr != nil {
			return &ExecResult{}, family, serr
		}
	}
	result, serr := sess.RunBatch(request.Commands)
	if serr == nil {
		sess.Detach()
	}
	return result, family, serr
}

// renderChunks 清洗转录并尝试结构化解析
func (s *ConsoleService) renderChunks(taskID, node string, family model.DeviceFamily, chunks []OutputChunk) []*CommandView {
	views := make([]*CommandView, 0, len(chunks))
	for _, chunk := range chunks {
		cleaned := util.CleanOutput(chunk.Output, chunk.Command)

		var parsed interface{} = []parse.Record{}
		parserUsed := false
		parserNote := ""
		if res, err := parse.Parse(family.OS, chunk.Command, cleaned); err == nil {
			parsed = res.Records
			parserUsed = true
		} else if errors.Is(err, parse.ErrNoParser) {
			parserNote = "no parser registered"
		} else {
			parserNote = err.Error()
			s.logTaskWarn(taskID, fmt.Sprintf("parse failed for %q on %s: %v", chunk.Command, node, err))
		}

		views = append(views, &CommandView{
			Command:    chunk.Command,
			RawOutput:  cleaned,
			Parsed:     parsed,
			ParserUsed: parserUsed,
			ParserNote: parserNote,
			DurationMS: chunk.Duration,
			TimedOut:   chunk.TimedOut,
		})
	}
	return views
}

// archiveTranscript 把整次会话的原始转录写入归档后端
func (s *ConsoleService) archiveTranscript(ctx context.Context, request *ConsoleRequest, taskID string, chunks []OutputChunk) (string, error) {
	var b strings.Builder
	for _, chunk := range chunks {
		b.WriteString("=== " + chunk.Command + "\n")
		b.WriteString(util.CleanOutput(chunk.Output, chunk.Command))
		b.WriteString("\n")
	}

	obj, err := s.storage.Write(ctx, StorageMeta{
		Lab:         request.Lab,
		Node:        request.Node,
		TaskID:      taskID,
		CommandSlug: "transcript",
	}, b.String())
	if err != nil {
		return "", err
	}
	return obj.URI, nil
}

// rememberNode 刷新节点信息缓存
func (s *ConsoleService) rememberNode(lab string, node *CMLNode) {
	db := database.GetDB()
	if db == nil {
		return
	}
	info := &model.NodeInfo{
		ID:         lab + "/" + node.ID,
		Lab:        lab,
		Label:      node.Label,
		NodeID:     node.ID,
		Definition: node.Definition,
		State:      node.State,
		LastSeen:   time.Now(),
	}
	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(info).Error; err != nil {
		logger.Warnf("节点缓存写入失败: %v", err)
	}
}

// SyncLab 全量同步一个实验室的节点信息到本地缓存
func (s *ConsoleService) SyncLab(ctx context.Context, labID string) (int, error) {
	nodes, err := s.cml.GetNodes(ctx, labID)
	if err != nil {
		return 0, err
	}
	for i := range nodes {
		s.rememberNode(labID, &nodes[i])
	}
	return len(nodes), nil
}

// statusForError 失败状态映射；上下文取消的任务记为 cancelled
func statusForError(serr *SessionError, ctx context.Context) string {
	if ctx.Err() != nil {
		return model.TaskStatusCancelled
	}
	if serr.Kind == ErrKindTimeout {
		return model.TaskStatusTimeout
	}
	return model.TaskStatusFailed
}

// GetTaskStatus 查询在途任务状态
func (s *ConsoleService) GetTaskStatus(taskID string) (*TaskContext, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if taskCtx, exists := s.tasks[taskID]; exists {
		return taskCtx, nil
	}
	return nil, fmt.Errorf("task not found: %s", taskID)
}

// GetTask 查询任务记录（含已完成任务）
func (s *ConsoleService) GetTask(taskID string) (*model.Task, error) {
	var task model.Task
	if err := database.GetDB().First(&task, "id = ?", taskID).Error; err != nil {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return &task, nil
}

// ListTasks 按创建时间倒序列出任务记录
func (s *ConsoleService) ListTasks(limit int) ([]model.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var tasks []model.Task
	err := database.GetDB().Order("created_at DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// CancelTask 取消在途任务；强制关会话让阻塞的期望立即返回
func (s *ConsoleService) CancelTask(taskID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if taskCtx, exists := s.tasks[taskID]; exists {
		if taskCtx.Session != nil {
			taskCtx.Session.Close()
		}
		if taskCtx.Cancel != nil {
			taskCtx.Cancel()
		}
		taskCtx.Status = model.TaskStatusCancelled
		return nil
	}
	return fmt.Errorf("task not found: %s", taskID)
}

// GetStats 服务统计信息
func (s *ConsoleService) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return map[string]interface{}{
		"running":      s.running,
		"active_tasks": len(s.tasks),
		"max_workers":  s.config.Collector.Concurrent,
		"database":     database.GetStats(),
	}
}

func (s *ConsoleService) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

func (s *ConsoleService) addTaskContext(taskID string, taskCtx *TaskContext) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[taskID] = taskCtx
}

func (s *ConsoleService) removeTaskContext(taskID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.tasks, taskID)
}

// cleanupTasks 周期清理滞留的任务上下文与超量历史记录
func (s *ConsoleService) cleanupTasks(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredTasks()
			s.trimTaskHistory()
		}
	}
}

func (s *ConsoleService) cleanupExpiredTasks() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for taskID, taskCtx := range s.tasks {
		// 超过任务超时两倍仍在注册表里的视为滞留
		if now.Sub(taskCtx.StartTime) > 2*s.config.Collector.TaskTimeout {
			if taskCtx.Session != nil {
				taskCtx.Session.Close()
			}
			delete(s.tasks, taskID)
		}
	}
}

// trimTaskHistory 数据库只保留最近 retain_tasks 条任务
func (s *ConsoleService) trimTaskHistory() {
	retain := s.config.Collector.RetainTasks
	if retain <= 0 {
		return
	}
	db := database.GetDB()
	if db == nil {
		return
	}
	var count int64
	if err := db.Model(&model.Task{}).Count(&count).Error; err != nil || count <= int64(retain) {
		return
	}
	var cutoff model.Task
	if err := db.Order("created_at DESC").Offset(retain - 1).Limit(1).First(&cutoff).Error; err != nil {
		return
	}
	if err := db.Where("created_at < ?", cutoff.CreatedAt).Delete(&model.Task{}).Error; err != nil {
		logger.Warnf("任务历史清理失败: %v", err)
	}
}

func (s *ConsoleService) saveTask(task *model.Task) error {
	if database.GetDB() == nil {
		return fmt.Errorf("database not initialized")
	}
	// 主键冲突时整行更新，重复任务ID不报错；SQLite busy 时重试
	return database.WithRetry(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(task).Error
	}, 3, 100*time.Millisecond)
}

func (s *ConsoleService) updateTask(task *model.Task) error {
	if database.GetDB() == nil {
		return fmt.Errorf("database not initialized")
	}
	return database.WithRetry(func(tx *gorm.DB) error {
		return tx.Save(task).Error
	}, 3, 100*time.Millisecond)
}

func (s *ConsoleService) logTaskInfo(taskID, message string) {
	logger.WithField("task_id", taskID).Info(message)
	s.saveTaskLog(taskID, "INFO", message)
}

func (s *ConsoleService) logTaskWarn(taskID, message string) {
	logger.WithField("task_id", taskID).Warn(message)
	s.saveTaskLog(taskID, "WARN", message)
}

func (s *ConsoleService) logTaskError(taskID, message string) {
	logger.WithField("task_id", taskID).Error(message)
	s.saveTaskLog(taskID, "ERROR", message)
}

func (s *ConsoleService) saveTaskLog(taskID, level, message string) {
	db := database.GetDB()
	if db == nil {
		return
	}
	taskLog := &model.TaskLog{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := db.Create(taskLog).Error; err != nil {
		logger.WithField("task_id", taskID).Errorf("保存任务日志失败: %v", err)
	}
}
