package nxos

import (
	"regexp"
	"strings"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
)

// Plugin 为 NX-OS 系列解析插件
type Plugin struct{}

func (p *Plugin) Name() string { return "nxos" }

func (p *Plugin) Commands() []string {
	return []string{"show version"}
}

var (
	nxosVersionRe  = regexp.MustCompile(`(?i)NXOS:\s+version\s+(\S+)`)
	nxosUptimeRe   = regexp.MustCompile(`(?i)Kernel uptime is\s+(.+)`)
	nxosHostnameRe = regexp.MustCompile(`(?i)Device name:\s+(\S+)`)
)

func (p *Plugin) Parse(ctx parse.Context, raw string) (parse.Result, error) {
	if strings.ToLower(strings.TrimSpace(ctx.Command)) != "show version" {
		return parse.Result{}, parse.ErrNoParser
	}
	rec := parse.Record{}
	if m := nxosVersionRe.FindStringSubmatch(raw); m != nil {
		rec["version"] = m[1]
	}
	if m := nxosHostnameRe.FindStringSubmatch(raw); m != nil {
		rec["hostname"] = m[1]
	}
	if m := nxosUptimeRe.FindStringSubmatch(raw); m != nil {
		rec["uptime"] = strings.TrimSpace(m[1])
	}
	records := []parse.Record{}
	if len(rec) > 0 {
		records = append(records, rec)
	}
	return parse.Result{OS: ctx.OS, Command: ctx.Command, Records: records}, nil
}

func init() { parse.Register("nxos", &Plugin{}) }
