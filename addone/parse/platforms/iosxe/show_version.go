package iosxe

import (
	"regexp"
	"strings"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
)

var (
	versionRe  = regexp.MustCompile(`(?i)Cisco IOS.*Software.*Version\s+([^,\s]+)`)
	hostnameRe = regexp.MustCompile(`(?m)^(\S+)\s+uptime is\s+(.+)$`)
	serialRe   = regexp.MustCompile(`(?i)Processor board ID\s+(\S+)`)
	imageRe    = regexp.MustCompile(`(?i)System image file is\s+"([^"]+)"`)
)

// parseShowVersion 提取版本、主机名、运行时长与序列号
func parseShowVersion(raw string) []parse.Record {
	rec := parse.Record{}
	if m := versionRe.FindStringSubmatch(raw); m != nil {
		rec["version"] = m[1]
	}
	if m := hostnameRe.FindStringSubmatch(raw); m != nil {
		rec["hostname"] = m[1]
		rec["uptime"] = strings.TrimSpace(m[2])
	}
	if m := serialRe.FindStringSubmatch(raw); m != nil {
		rec["serial"] = m[1]
	}
	if m := imageRe.FindStringSubmatch(raw); m != nil {
		rec["image"] = m[1]
	}
	if len(rec) == 0 {
		return nil
	}
	return []parse.Record{rec}
}
