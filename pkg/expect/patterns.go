package expect

import (
	"regexp"
	"strings"
)

// Mode 设备 CLI 当前的权限/配置层级，由提示符形状推断
type Mode int

const (
	ModeUnknown Mode = iota
	ModeUnauthenticated
	ModeUserExec
	ModePrivilegedExec
	ModeConfigGlobal
	ModeConfigSub
)

// String 返回层级名称
func (m Mode) String() string {
	switch m {
	case ModeUnauthenticated:
		return "unauthenticated"
	case ModeUserExec:
		return "user_exec"
	case ModePrivilegedExec:
		return "privileged_exec"
	case ModeConfigGlobal:
		return "config_global"
	case ModeConfigSub:
		return "config_sub"
	default:
		return "unknown"
	}
}

// PatternSet 会话状态机使用的全部正则：控制台服务器提示、设备提示、
// 认证提示、分页与确认提示
type PatternSet struct {
	// 控制台服务器侧
	Password      *regexp.Regexp // 控制台服务器/设备通用密码提示
	ConsolePrompt *regexp.Regexp // consoles> 提示
	Connected     *regexp.Regexp // 已连接终端服务器标记
	EscapeChar    *regexp.Regexp // 转义字符提示（设备控制台就绪）

	// 设备认证侧
	Username *regexp.Regexp
	Login    *regexp.Regexp

	// 设备提示符
	// DevicePrompt 覆盖全部模式：hostname>、hostname#、hostname(config)#、
	// hostname(config-if)# 等；主机名可含字母数字、连字符、下划线与点
	DevicePrompt *regexp.Regexp
	// SimplePrompt 主机名缺省时的裸提示符兜底
	SimplePrompt *regexp.Regexp
	// ExecPrompt 仅匹配非配置模式提示（退出配置模式后的判定）
	ExecPrompt *regexp.Regexp
	// ConfigPrompt 仅匹配配置模式提示（含子模式）
	ConfigPrompt *regexp.Regexp
	// PrivPrompt 仅匹配特权模式（enable 之后的判定）
	PrivPrompt *regexp.Regexp

	// 分页与确认
	PagerIOS     *regexp.Regexp // --More--
	PagerNXOS    *regexp.Regexp // <--- More --->
	ConfirmYesNo *regexp.Regexp // (yes/no)
	Confirm      *regexp.Regexp // confirm
}

const devicePromptExpr = `[\w\-\.]+(\([^\)]+\))?[>#][ \t]*$`

// DefaultPatterns 构造默认的模式集合
// promptHint 非空时替换组合设备提示符（调用方确知设备提示形状的场合）
func DefaultPatterns(promptHint string) *PatternSet {
	ps := &PatternSet{
		Password:      regexp.MustCompile(`[Pp]assword:`),
		ConsolePrompt: regexp.MustCompile(`consoles>`),
		Connected:     regexp.MustCompile(`Connected to CML terminalserver`),
		EscapeChar:    regexp.MustCompile(`Escape character is`),
		Username:      regexp.MustCompile(`[Uu]sername:`),
		Login:         regexp.MustCompile(`[Ll]ogin:`),
		DevicePrompt:  regexp.MustCompile(devicePromptExpr),
		SimplePrompt:  regexp.MustCompile(`[>#][ \t]*$`),
		ExecPrompt:    regexp.MustCompile(`[\w\-\.]+[>#][ \t]*$`),
		ConfigPrompt:  regexp.MustCompile(`[\w\-\.]+\([^\)]+\)#[ \t]*$`),
		PrivPrompt:    regexp.MustCompile(`#[ \t]*$`),
		PagerIOS:      regexp.MustCompile(`--More--`),
		PagerNXOS:     regexp.MustCompile(`<--- More --->`),
		ConfirmYesNo:  regexp.MustCompile(`\(yes/no\)`),
		Confirm:       regexp.MustCompile(`[Cc]onfirm`),
	}
	if hint := strings.TrimSpace(promptHint); hint != "" {
		if re, err := regexp.Compile(hint); err == nil {
			ps.DevicePrompt = re
		}
	}
	return ps
}

// ClassifyMode 从提示符文本推断设备模式
// 仅凭末尾字符与括号内容判断：> 为用户模式，裸 # 为特权模式，
// (config)# 为全局配置，(config-xxx)# 为子配置
func ClassifyMode(prompt string) Mode {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return ModeUnknown
	}
	switch {
	case strings.HasSuffix(p, ">"):
		return ModeUserExec
	case strings.HasSuffix(p, "#"):
		open := strings.LastIndex(p, "(")
		close_ := strings.LastIndex(p, ")")
		if open >= 0 && close_ > open && close_ == len(p)-2 {
			inner := strings.ToLower(p[open+1 : close_])
			if inner == "config" {
				return ModeConfigGlobal
			}
			return ModeConfigSub
		}
		return ModePrivilegedExec
	case strings.HasSuffix(strings.ToLower(p), "password:"),
		strings.HasSuffix(strings.ToLower(p), "username:"),
		strings.HasSuffix(strings.ToLower(p), "login:"):
		return ModeUnauthenticated
	default:
		return ModeUnknown
	}
}

// LooksLikePrompt 判断缓冲区尾部是否像一个设备提示符
// 设备偶发在首个回车后不重绘完整提示符，超时兜底时据此放行
func LooksLikePrompt(buffer string) bool {
	t := strings.TrimRight(buffer, " \t\r\n")
	return strings.HasSuffix(t, ">") || strings.HasSuffix(t, "#")
}
