package util

import (
	"regexp"
	"strings"
)

// ansiEscape 匹配终端控制序列（CSI 与单字符 ESC 序列）
var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI 移除输出中的终端控制序列
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// NormalizeNewlines 统一换行符：\r\n 与孤立 \r 均归一为 \n
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// CleanOutput 清洗单条命令的原始控制台输出：
// 1) 移除终端控制序列
// 2) 统一换行符
// 3) 移除行首的命令回显（按子串包含匹配，设备回显时可能改写空白）
// 4) 去掉首尾空行，逐行右侧去空白
// 对已清洗的文本再次调用结果不变。
func CleanOutput(output, command string) string {
	if output == "" {
		return ""
	}

	output = StripANSI(output)
	output = NormalizeNewlines(output)

	lines := strings.Split(output, "\n")

	// 命令回显通常是第一个非空行
	cmd := strings.TrimSpace(command)
	if cmd != "" && len(lines) > 0 && strings.Contains(lines[0], cmd) {
		lines = lines[1:]
	}

	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	return strings.Join(lines, "\n")
}
