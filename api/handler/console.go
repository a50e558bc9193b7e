package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cmlconsolepro/cmlconsolepro/internal/database"
	"github.com/cmlconsolepro/cmlconsolepro/internal/model"
	"github.com/cmlconsolepro/cmlconsolepro/internal/service"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

// ConsoleHandler 控制台任务处理器
type ConsoleHandler struct {
	consoleService *service.ConsoleService
}

// NewConsoleHandler 创建控制台任务处理器
func NewConsoleHandler(consoleService *service.ConsoleService) *ConsoleHandler {
	return &ConsoleHandler{
		consoleService: consoleService,
	}
}

// Execute 执行控制台命令任务
// @Summary 通过串口控制台执行设备命令
// @Description 附着指定节点的串口控制台并批量执行命令
// @Tags console
// @Accept json
// @Produce json
// @Param request body service.ConsoleRequest true "控制台任务请求"
// @Success 200 {object} service.ConsoleResponse "执行结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 502 {object} service.ConsoleResponse "控制台连接失败"
// @Failure 504 {object} service.ConsoleResponse "设备响应超时"
// @Router /api/v1/console/execute [post]
func (h *ConsoleHandler) Execute(c *gin.Context) {
	h.execute(c, model.TaskTypeExec)
}

// Configure 执行配置变更任务
// @Summary 通过串口控制台下发配置
// @Description 进入配置模式下发命令，结束后退回特权模式
// @Tags console
// @Accept json
// @Produce json
// @Param request body service.ConsoleRequest true "配置任务请求"
// @Success 200 {object} service.ConsoleResponse "执行结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/console/configure [post]
func (h *ConsoleHandler) Configure(c *gin.Context) {
	h.execute(c, model.TaskTypeConfig)
}

// Facts 采集设备基础信息
// @Summary 按设备系列的默认查询采集版本与接口信息
// @Description 不接受命令列表，命令由节点定义对应的设备系列决定
// @Tags console
// @Accept json
// @Produce json
// @Param request body service.ConsoleRequest true "采集任务请求"
// @Success 200 {object} service.ConsoleResponse "采集结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/console/facts [post]
func (h *ConsoleHandler) Facts(c *gin.Context) {
	h.execute(c, model.TaskTypeFacts)
}

func (h *ConsoleHandler) execute(c *gin.Context, taskType string) {
	var request service.ConsoleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.Errorf("Invalid request parameters: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	request.Type = taskType

	if err := h.validateRequest(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: err.Error(),
		})
		return
	}

	response, err := h.consoleService.ExecuteTask(c.Request.Context(), &request)
	if err != nil {
		logger.Errorf("Failed to execute console task: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "EXECUTION_FAILED",
			Message: "任务执行失败: " + err.Error(),
		})
		return
	}

	c.JSON(statusForResponse(response), response)
}

// statusForResponse 按错误类别映射 HTTP 状态码
func statusForResponse(resp *service.ConsoleResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorKind {
	case service.ErrKindConnection:
		return http.StatusBadGateway
	case service.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case service.ErrKindCredentials:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// GetTaskStatus 查询在途任务状态
// @Summary 查询任务执行状态
// @Tags console
// @Produce json
// @Param task_id path string true "任务ID"
// @Success 200 {object} map[string]interface{} "任务状态"
// @Failure 404 {object} ErrorResponse "任务不存在"
// @Router /api/v1/console/task/{task_id}/status [get]
func (h *ConsoleHandler) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "MISSING_TASK_ID",
			Message: "任务ID不能为空",
		})
		return
	}

	// 先查在途注册表，再落库查历史
	if taskCtx, err := h.consoleService.GetTaskStatus(taskID); err == nil {
		c.JSON(http.StatusOK, gin.H{
			"task_id":    taskID,
			"status":     taskCtx.Status,
			"start_time": taskCtx.StartTime,
			"duration":   time.Since(taskCtx.StartTime).Milliseconds(),
		})
		return
	}

	task, err := h.consoleService.GetTask(taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "TASK_NOT_FOUND",
			Message: "任务不存在: " + taskID,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":    taskID,
		"status":     task.Status,
		"start_time": task.StartTime,
		"duration":   task.Duration,
	})
}

// GetTask 查询任务完整记录
// @Summary 查询任务记录
// @Tags console
// @Produce json
// @Param task_id path string true "任务ID"
// @Success 200 {object} model.Task "任务记录"
// @Failure 404 {object} ErrorResponse "任务不存在"
// @Router /api/v1/console/task/{task_id} [get]
func (h *ConsoleHandler) GetTask(c *gin.Context) {
	taskID := c.Param("task_id")
	task, err := h.consoleService.GetTask(taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "TASK_NOT_FOUND",
			Message: "任务不存在: " + taskID,
		})
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks 列出任务记录
// @Summary 按创建时间倒序列出任务
// @Tags console
// @Produce json
// @Param limit query int false "返回条数上限"
// @Success 200 {object} SuccessResponse "任务列表"
// @Router /api/v1/console/tasks [get]
func (h *ConsoleHandler) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := h.consoleService.ListTasks(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "QUERY_FAILED",
			Message: "任务查询失败: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取任务列表成功",
		Data:    gin.H{"tasks": tasks, "total": len(tasks)},
	})
}

// CancelTask 取消在途任务
// @Summary 取消正在执行的任务
// @Tags console
// @Produce json
// @Param task_id path string true "任务ID"
// @Success 200 {object} SuccessResponse "取消成功"
// @Failure 404 {object} ErrorResponse "任务不存在"
// @Router /api/v1/console/task/{task_id}/cancel [post]
func (h *ConsoleHandler) CancelTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "MISSING_TASK_ID",
			Message: "任务ID不能为空",
		})
		return
	}

	if err := h.consoleService.CancelTask(taskID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "TASK_NOT_FOUND",
			Message: "任务不存在: " + taskID,
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "任务已取消",
		Data:    gin.H{"task_id": taskID},
	})
}

// GetStats 服务统计信息
// @Summary 获取服务统计信息
// @Tags system
// @Produce json
// @Success 200 {object} SuccessResponse "统计信息"
// @Router /api/v1/console/stats [get]
func (h *ConsoleHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取统计信息成功",
		Data:    h.consoleService.GetStats(),
	})
}

// Health 健康检查
// @Summary 健康检查
// @Tags system
// @Produce json
// @Success 200 {object} SuccessResponse "服务正常"
// @Failure 503 {object} ErrorResponse "服务异常"
// @Router /api/v1/health [get]
func (h *ConsoleHandler) Health(c *gin.Context) {
	stats := h.consoleService.GetStats()
	if running, ok := stats["running"].(bool); !ok || !running {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "控制台服务未运行",
		})
		return
	}
	if err := database.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "DB_UNAVAILABLE",
			Message: "数据库不可用: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "服务正常",
		Data:    stats,
	})
}

// validateRequest 校验控制台任务请求
func (h *ConsoleHandler) validateRequest(request *service.ConsoleRequest) error {
	if strings.TrimSpace(request.Lab) == "" {
		return fmt.Errorf("实验室标识(lab)不能为空")
	}
	if strings.TrimSpace(request.Node) == "" {
		return fmt.Errorf("节点标签(node)不能为空")
	}
	if request.Type == model.TaskTypeFacts {
		if len(request.Commands) > 0 {
			return fmt.Errorf("facts任务不接受命令列表")
		}
	} else {
		if len(request.Commands) == 0 {
			return fmt.Errorf("命令列表不能为空")
		}
		for _, cmd := range request.Commands {
			if strings.TrimSpace(cmd) == "" {
				return fmt.Errorf("命令不能为空白")
			}
		}
	}
	if request.Line < 0 {
		return fmt.Errorf("串口线号不能为负数")
	}
	if request.Timeout != nil && *request.Timeout > 3600 {
		return fmt.Errorf("超时时间不能超过3600秒")
	}
	return nil
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
