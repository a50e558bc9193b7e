package service

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/cmlconsolepro/cmlconsolepro/internal/util"
)

// ConfigDiff 两份配置转录的统一差异
type ConfigDiff struct {
	Unified string `json:"unified"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Changed bool   `json:"changed"`
}

// 逐设备易变行，比对前剔除，避免无意义差异
var volatileConfigPrefixes = []string{
	"! Last configuration change",
	"! NVRAM config last updated",
	"Building configuration",
	"Current configuration",
	"ntp clock-period",
}

func stripVolatileLines(cfg string) []string {
	lines := strings.Split(util.NormalizeNewlines(cfg), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		skip := false
		for _, p := range volatileConfigPrefixes {
			if strings.HasPrefix(strings.TrimSpace(line), p) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, line)
		}
	}
	return out
}

// DiffConfigs 生成两份配置的统一差异
// 时间戳等易变行不参与比对；无差异时 Unified 为空串
func DiffConfigs(before, after, beforeName, afterName string) (*ConfigDiff, error) {
	if beforeName == "" {
		beforeName = "before"
	}
	if afterName == "" {
		afterName = "after"
	}

	a := strings.Join(stripVolatileLines(before), "\n") + "\n"
	b := strings.Join(stripVolatileLines(after), "\n") + "\n"

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: beforeName,
		ToFile:   afterName,
		Context:  3,
	})
	if err != nil {
		return nil, err
	}

	diff := &ConfigDiff{Unified: unified, Changed: unified != ""}
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			diff.Added++
		case strings.HasPrefix(line, "-"):
			diff.Removed++
		}
	}
	return diff, nil
}
