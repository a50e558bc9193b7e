package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/expect"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

// 错误类别
const (
	ErrKindConnection  = "connection_error"
	ErrKindTimeout     = "timeout"
	ErrKindCredentials = "missing_credentials"
	ErrKindRuntime     = "runtime_error"
)

// SessionError 会话失败结果
// Partial 携带失败前已收到的全部命令输出，Buffer 为失败瞬间的期望缓冲，
// CommandIndex 指示批量执行中失败的命令序号（非批量为 -1）
type SessionError struct {
	Kind         string        `json:"kind"`
	Message      string        `json:"message"`
	Partial      []OutputChunk `json:"partial,omitempty"`
	Buffer       string        `json:"buffer,omitempty"`
	CommandIndex int           `json:"command_index"`
	Err          error         `json:"-"`
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

// OutputChunk 单条命令的原始转录段
type OutputChunk struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	Duration int64  `json:"duration_ms"`
	TimedOut bool   `json:"timed_out"`
}

// ExecResult 批量执行结果
type ExecResult struct {
	Chunks    []OutputChunk `json:"chunks"`
	Truncated bool          `json:"truncated"`
	Warnings  []string      `json:"warnings,omitempty"`
	FinalMode string        `json:"final_mode"`
}

// SessionState 会话状态机状态
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConsoleServerAuth
	StateAttachingConsole
	StateStabilizingPrompt
	StateDeviceAuth
	StateModeNormalization
	StateReady
	StateExecuting
	StateDetaching
	StateFailed
	StateCompleted
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConsoleServerAuth:
		return "console_server_auth"
	case StateAttachingConsole:
		return "attaching_console"
	case StateStabilizingPrompt:
		return "stabilizing_prompt"
	case StateDeviceAuth:
		return "device_auth"
	case StateModeNormalization:
		return "mode_normalization"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateDetaching:
		return "detaching"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// DeviceCredentials 设备级登录凭据；Enable 为提权密码，可为空
type DeviceCredentials struct {
	Username string
	Password string
	Enable   string
}

// SessionParams 一次会话的全部输入
type SessionParams struct {
	// Dial 建立到控制台服务器的通道；测试注入脚本化实现
	Dial func() (expect.Transport, error)
	// ConsolePassword 控制台服务器密码（服务器在行内再次索要时应答）
	ConsolePassword string
	// Secret 控制台连接密钥，单会话单次使用
	Secret string
	// Device 设备凭据；设备不要求登录时可整体为空
	Device DeviceCredentials
	// PromptHint 设备提示符正则提示，可为空
	PromptHint string
	Timing     config.ConsoleConfig
	Log        *logrus.Entry
}

// Session 控制台会话
// 通道归会话独占，不跨调用方复用；成功与失败路径都负责关闭通道
type Session struct {
	tr       expect.Transport
	pat      *expect.PatternSet
	params   SessionParams
	timing   config.ConsoleConfig
	log      *logrus.Entry
	state    SessionState
	prompt   string
	mode     expect.Mode
	warnings []string
}

// NewSession 构造会话对象，尚未建立连接
func NewSession(params SessionParams) *Session {
	log := params.Log
	if log == nil {
		log = logger.WithField("component", "console_session")
	}
	return &Session{
		pat:    expect.DefaultPatterns(params.PromptHint),
		params: params,
		timing: params.Timing,
		log:    log,
		state:  StateConnecting,
		mode:   expect.ModeUnknown,
	}
}

// State 当前状态
func (s *Session) State() SessionState { return s.state }

// Mode 最近一次提示符推断出的设备模式
func (s *Session) Mode() expect.Mode { return s.mode }

// Prompt 最近一次观测到的提示符文本
func (s *Session) Prompt() string { return s.prompt }

// Warnings 非致命告警（enable 失败、截断等）
func (s *Session) Warnings() []string { return s.warnings }

func (s *Session) transition(next SessionState) {
	s.log.Debugf("会话状态: %s -> %s", s.state, next)
	s.state = next
}

func (s *Session) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.warnings = append(s.warnings, msg)
	s.log.Warn(msg)
}

// fail 进入失败终态；强制关闭通道，保证阻塞的期望被解除
func (s *Session) fail(kind, msg string, err error) *SessionError {
	var buffer string
	if s.tr != nil {
		buffer = s.tr.Buffer()
		_ = s.tr.Close(true)
	}
	var te *expect.TimeoutError
	if errors.As(err, &te) && buffer == "" {
		buffer = te.Partial
	}
	if buffer != "" {
		logger.DebugConsoleBuffer("session_fail", buffer, 5)
	}
	s.transition(StateFailed)
	return &SessionError{
		Kind:         kind,
		Message:      msg,
		Buffer:       buffer,
		CommandIndex: -1,
		Err:          err,
	}
}

// classifyExpectErr 区分期望失败是超时还是连接中断
func classifyExpectErr(err error) string {
	var te *expect.TimeoutError
	if errors.As(err, &te) {
		return ErrKindTimeout
	}
	return ErrKindConnection
}

// Open 驱动状态机从建连走到命令就绪
// 顺序保证：服务器认证先于控制台附着，附着先于设备交互，
// 设备认证先于模式归一，模式归一先于命令执行
func (s *Session) Open() *SessionError {
	if s.params.Dial == nil {
		return s.fail(ErrKindRuntime, "no dialer configured", nil)
	}

	// 1. Connecting
	tr, err := s.params.Dial()
	if err != nil {
		s.transition(StateFailed)
		return &SessionError{
			Kind:         ErrKindConnection,
			Message:      "failed to reach console server",
			CommandIndex: -1,
			Err:          err,
		}
	}
	s.tr = tr

	// 2. ConsoleServerAuth
	if serr := s.consoleServerAuth(); serr != nil {
		return serr
	}
	// 3. AttachingConsole
	if serr := s.attachConsole(); serr != nil {
		return serr
	}
	// 4/5. StabilizingPrompt + DeviceAuth
	if serr := s.stabilizePrompt(true); serr != nil {
		return serr
	}
	// 6. ModeNormalization（非致命）
	s.normalizeMode()
	// 7. Ready：补一个回车并吃掉回显提示符，保证缓冲处于干净边界
	s.transition(StateReady)
	_ = s.tr.Sendline("")
	if _, err := s.tr.Expect([]*regexp.Regexp{s.pat.DevicePrompt}, s.timing.PromptTimeout); err != nil {
		return s.fail(classifyExpectErr(err), "prompt lost before first command", err)
	}
	return nil
}

func (s *Session) consoleServerAuth() *SessionError {
	s.transition(StateConsoleServerAuth)
	m, err := s.tr.Expect([]*regexp.Regexp{s.pat.ConsolePrompt, s.pat.Password}, s.timing.AuthTimeout)
	if err != nil {
		return s.fail(classifyExpectErr(err), "console server prompt not seen", err)
	}
	if m.Index == 1 {
		// 服务器行内再次索要密码
		if err := s.tr.Sendline(s.params.ConsolePassword); err != nil {
			return s.fail(ErrKindConnection, "failed to answer console server password", err)
		}
		if _, err := s.tr.Expect([]*regexp.Regexp{s.pat.ConsolePrompt}, s.timing.AuthTimeout); err != nil {
			return s.fail(classifyExpectErr(err), "console server rejected password", err)
		}
	}
	return nil
}

func (s *Session) attachConsole() *SessionError {
	s.transition(StateAttachingConsole)
	if s.params.Secret == "" {
		return s.fail(ErrKindCredentials, "connection secret is empty", nil)
	}
	if err := s.tr.Sendline("connect " + s.params.Secret); err != nil {
		return s.fail(ErrKindConnection, "failed to send connect", err)
	}
	if _, err := s.tr.Expect([]*regexp.Regexp{s.pat.Connected}, s.timing.ConnectTimeout); err != nil {
		// 密钥无效或该控制台已被占用
		return s.fail(ErrKindConnection, "console attach rejected", err)
	}
	if _, err := s.tr.Expect([]*regexp.Regexp{s.pat.EscapeChar}, s.timing.ConnectTimeout); err != nil {
		return s.fail(ErrKindConnection, "console escape banner not seen", err)
	}
	// 附着后静置，等待设备侧的残留输出到齐
	time.Sleep(s.timing.SettleDelay)
	return nil
}

// stabilizePrompt 清掉横幅噪声并诱发提示符
// allowAuth 为真时允许转入设备认证（认证完成后的重探不再允许，防止循环）
func (s *Session) stabilizePrompt(allowAuth bool) *SessionError {
	s.transition(StateStabilizingPrompt)

	stale := s.tr.Drain(s.timing.CRInterval)
	if stale != "" {
		logger.DebugConsoleBuffer("stabilize_drain", stale, 8)
	}

	patterns := []*regexp.Regexp{
		s.pat.DevicePrompt,
		s.pat.Username,
		s.pat.Login,
		s.pat.Password,
	}

	var lastErr error
	delay := s.timing.CRInterval
	for attempt := 0; attempt <= s.timing.StabilizeRetries; attempt++ {
		// 双回车：部分设备吞掉第一个回车后才重绘完整提示符
		_ = s.tr.Sendline("")
		time.Sleep(delay)
		_ = s.tr.Sendline("")

		m, err := s.tr.Expect(patterns, s.timing.PromptTimeout)
		if err != nil {
			lastErr = err
			var te *expect.TimeoutError
			if errors.As(err, &te) && expect.LooksLikePrompt(te.Partial) {
				// 兜底启发：缓冲尾部像提示符就放行
				s.adoptPrompt(lastLine(te.Partial))
				s.tr.Drain(50 * time.Millisecond)
				return nil
			}
			if !errors.As(err, &te) {
				return s.fail(ErrKindConnection, "console stream closed while stabilizing", err)
			}
			delay += s.timing.CRInterval
			continue
		}
		switch m.Index {
		case 0:
			s.adoptPrompt(m.Text)
			return nil
		default:
			if !allowAuth {
				return s.fail(ErrKindRuntime, "device re-prompted for authentication", nil)
			}
			if m.Index == 3 {
				// 直接密码提示（无用户名的口令控制台）
				return s.deviceAuth(false)
			}
			return s.deviceAuth(true)
		}
	}
	return s.fail(ErrKindTimeout, "device prompt did not stabilize", lastErr)
}

// deviceAuth 设备级登录；askUsername 为假表示已停在密码提示上
func (s *Session) deviceAuth(askUsername bool) *SessionError {
	s.transition(StateDeviceAuth)
	creds := s.params.Device
	if creds.Username == "" && creds.Password == "" {
		return s.fail(ErrKindCredentials, "device requires authentication but no credentials supplied", nil)
	}

	if askUsername {
		if creds.Username == "" {
			return s.fail(ErrKindCredentials, "device requested a username but none supplied", nil)
		}
		if err := s.tr.Sendline(creds.Username); err != nil {
			return s.fail(ErrKindConnection, "failed to send username", err)
		}
		if _, err := s.tr.Expect([]*regexp.Regexp{s.pat.Password}, s.timing.AuthTimeout); err != nil {
			return s.fail(classifyExpectErr(err), "password prompt not seen after username", err)
		}
	}
	if creds.Password == "" {
		return s.fail(ErrKindCredentials, "device requested a password but none supplied", nil)
	}
	if err := s.tr.Sendline(creds.Password); err != nil {
		return s.fail(ErrKindConnection, "failed to send password", err)
	}
	// 认证完成后重走提示符探测；不允许再次转入认证
	return s.stabilizePrompt(false)
}

// normalizeMode 用户模式下尝试 enable 提权；失败降级为告警
func (s *Session) normalizeMode() {
	s.transition(StateModeNormalization)
	if s.mode != expect.ModeUserExec {
		return
	}
	enable := s.params.Device.Enable
	if enable == "" {
		enable = s.params.Device.Password
	}
	if enable == "" {
		s.warn("device is in user mode and no enable secret supplied, commands run unprivileged")
		return
	}

	if err := s.tr.Sendline("enable"); err != nil {
		s.warn("enable failed to send: %v", err)
		return
	}
	m, err := s.tr.Expect([]*regexp.Regexp{s.pat.PrivPrompt, s.pat.Password}, s.timing.EnableTimeout)
	if err != nil {
		s.warn("enable produced no response, staying in %s", s.mode)
		return
	}
	if m.Index == 1 {
		_ = s.tr.Sendline(enable)
		m, err = s.tr.Expect([]*regexp.Regexp{s.pat.PrivPrompt}, s.timing.EnableTimeout)
		if err != nil {
			s.warn("enable secret rejected, staying in %s", s.mode)
			return
		}
	}
	// PrivPrompt 只吃末尾的 #，主机名留在 Before 里，取整行作为提示符
	s.adoptPrompt(lastLine(m.Before + m.Text))
}

// adoptPrompt 记录提示符并重推模式
// 模式仅在提示符匹配当下可信，后续输出到来即失效
func (s *Session) adoptPrompt(prompt string) {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return
	}
	s.prompt = p
	s.mode = expect.ClassifyMode(p)
	s.log.Debugf("提示符: %q 模式: %s", s.prompt, s.mode)
}

// Run 执行单条命令，返回该命令的原始转录段
// 分页与确认提示在循环内消化，不上抛为错误
func (s *Session) Run(command string) (OutputChunk, *SessionError) {
	s.transition(StateExecuting)
	chunk := OutputChunk{Command: command}
	start := time.Now()

	// 发送前静置并清缓冲：紧跟 sendline 的期望会撞上残留的旧提示符
	time.Sleep(s.timing.CommandSettle)
	s.tr.Drain(10 * time.Millisecond)

	if err := s.tr.Sendline(command); err != nil {
		return chunk, s.fail(ErrKindConnection, "failed to send command", err)
	}

	patterns := []*regexp.Regexp{
		s.pat.DevicePrompt,
		s.pat.PagerIOS,
		s.pat.PagerNXOS,
		s.pat.ConfirmYesNo,
		s.pat.Confirm,
	}

	var out strings.Builder
	for i := 0; i < s.timing.MaxIterations; i++ {
		m, err := s.tr.Expect(patterns, s.timing.CommandTimeout)
		if err != nil {
			var te *expect.TimeoutError
			if !errors.As(err, &te) {
				chunk.Output = out.String()
				chunk.Duration = time.Since(start).Milliseconds()
				return chunk, s.fail(ErrKindConnection, "console stream closed mid command", err)
			}
			// 超时恢复探针：收下部分输出，补一个回车看提示符是否还在
			// Drain 返回包含超时残留在内的全部缓冲，避免探针期间重复计入
			out.WriteString(s.tr.Drain(10 * time.Millisecond))
			_ = s.tr.Sendline("")
			if rm, rerr := s.tr.Expect([]*regexp.Regexp{s.pat.DevicePrompt}, s.timing.RecoveryTimeout); rerr == nil {
				s.adoptPrompt(rm.Text)
				out.WriteString(rm.Before)
				chunk.Output = out.String()
				chunk.Duration = time.Since(start).Milliseconds()
				chunk.TimedOut = true
				s.warn("command %q timed out but the prompt recovered, output may be incomplete", command)
				return chunk, nil
			}
			chunk.Output = out.String()
			chunk.Duration = time.Since(start).Milliseconds()
			chunk.TimedOut = true
			serr := s.fail(ErrKindTimeout, fmt.Sprintf("command %q produced no prompt", command), err)
			serr.Partial = []OutputChunk{chunk}
			return chunk, serr
		}

		out.WriteString(m.Before)
		switch m.Index {
		case 0:
			s.adoptPrompt(m.Text)
			chunk.Output = out.String()
			chunk.Duration = time.Since(start).Milliseconds()
			return chunk, nil
		case 1, 2:
			// 分页：发送单个空格续页，不带回车
			time.Sleep(s.timing.PagerDelay)
			if err := s.tr.Send(" "); err != nil {
				chunk.Output = out.String()
				return chunk, s.fail(ErrKindConnection, "failed to answer pager", err)
			}
		case 3, 4:
			time.Sleep(s.timing.ConfirmDelay)
			if err := s.tr.Sendline("yes"); err != nil {
				chunk.Output = out.String()
				return chunk, s.fail(ErrKindConnection, "failed to answer confirmation", err)
			}
		}
	}

	// 迭代上限耗尽：超长分页输出降级为尽力而为，不判死刑
	chunk.Output = out.String()
	chunk.Duration = time.Since(start).Milliseconds()
	chunk.TimedOut = true
	s.warn("command %q exceeded the pagination loop bound, output truncated", command)
	return chunk, nil
}

// RunBatch 串行执行命令列表
// 中途失败立即停止后续命令，已采到的输出全部随错误返回
func (s *Session) RunBatch(commands []string) (*ExecResult, *SessionError) {
	result := &ExecResult{}
	for i, cmd := range commands {
		chunk, serr := s.Run(cmd)
		if serr != nil {
			serr.CommandIndex = i
			serr.Partial = append(result.Chunks, chunk)
			return result, serr
		}
		result.Chunks = append(result.Chunks, chunk)
		if chunk.TimedOut {
			result.Truncated = true
		}
	}
	result.Warnings = s.warnings
	result.FinalMode = s.mode.String()
	return result, nil
}

// RunConfigBatch 以一次配置变更执行命令列表
// 先进配置模式，逐条下发（子模式原样穿越），结束后显式退回特权模式
func (s *Session) RunConfigBatch(commands []string, configEnter, configExit string) (*ExecResult, *SessionError) {
	if configEnter == "" {
		configEnter = "configure terminal"
	}
	if configExit == "" {
		configExit = "end"
	}

	if _, serr := s.Run(configEnter); serr != nil {
		serr.CommandIndex = -1
		return &ExecResult{}, serr
	}
	if s.mode != expect.ModeConfigGlobal && s.mode != expect.ModeConfigSub {
		return &ExecResult{}, s.fail(ErrKindRuntime,
			fmt.Sprintf("device did not enter configuration mode, prompt was %q", s.prompt), nil)
	}

	result, serr := s.RunBatch(commands)
	if serr != nil {
		return result, serr
	}

	// 退出配置模式并确认回到特权提示符
	if _, serr := s.Run(configExit); serr != nil {
		serr.CommandIndex = len(commands)
		serr.Partial = result.Chunks
		return result, serr
	}
	if s.mode != expect.ModePrivilegedExec {
		s.warn("device did not return to privileged mode after %q, prompt is %q", configExit, s.prompt)
		result.Warnings = s.warnings
	}
	result.FinalMode = s.mode.String()
	return result, nil
}

// Detach 退出设备控制台并温和关闭通道
// 任何一步失败都只记日志，关闭动作总会执行
func (s *Session) Detach() {
	if s.tr == nil {
		return
	}
	s.transition(StateDetaching)
	// Ctrl-] 回到控制台服务器
	_ = s.tr.Send("\x1d")
	if _, err := s.tr.Expect([]*regexp.Regexp{s.pat.ConsolePrompt}, s.timing.RecoveryTimeout); err != nil {
		s.log.Debugf("控制台服务器提示符未返回: %v", err)
	}
	_ = s.tr.Sendline("exit")
	_ = s.tr.Close(false)
	s.transition(StateCompleted)
}

// Close 强制关闭，解除任何在途期望
func (s *Session) Close() {
	if s.tr != nil {
		_ = s.tr.Close(true)
	}
	if s.state != StateCompleted && s.state != StateFailed {
		s.transition(StateFailed)
	}
}

func lastLine(s string) string {
	t := strings.TrimRight(s, "\r\n \t")
	if idx := strings.LastIndexAny(t, "\r\n"); idx >= 0 {
		return t[idx+1:]
	}
	return t
}
