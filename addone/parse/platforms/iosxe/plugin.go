package iosxe

import (
	"strings"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
)

// Plugin 为 IOS/IOS-XE 系列解析插件
type Plugin struct{}

func (p *Plugin) Name() string { return "iosxe" }

func (p *Plugin) Commands() []string {
	return []string{
		"show version",
		"show ip interface brief",
		"ping",
	}
}

// Parse 按命令分发到对应的文件级处理函数
func (p *Plugin) Parse(ctx parse.Context, raw string) (parse.Result, error) {
	cmd := strings.ToLower(strings.TrimSpace(ctx.Command))
	switch {
	case cmd == "show version":
		return parse.Result{OS: ctx.OS, Command: ctx.Command, Records: parseShowVersion(raw)}, nil
	case cmd == "show ip interface brief":
		return parse.Result{OS: ctx.OS, Command: ctx.Command, Records: parseShowIPInterfaceBrief(raw)}, nil
	case strings.HasPrefix(cmd, "ping "):
		return parse.Result{OS: ctx.OS, Command: ctx.Command, Records: parsePing(raw)}, nil
	default:
		return parse.Result{}, parse.ErrNoParser
	}
}

func init() { parse.Register("iosxe", &Plugin{}) }
