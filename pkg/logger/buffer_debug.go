package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// BufferLines 表示控制台缓冲区的头部和尾部行
type BufferLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
}

// ParseBufferLines 解析控制台缓冲区内容，提取头部和尾部行
// maxLines: head 与 tail 各自的最大行数
func ParseBufferLines(buffer string, maxLines int) BufferLines {
	if maxLines <= 0 {
		maxLines = 5
	}

	buffer = strings.ReplaceAll(buffer, "\r\n", "\n")
	buffer = strings.ReplaceAll(buffer, "\r", "\n")
	lines := strings.Split(buffer, "\n")

	total := len(lines)
	var head, tail []string
	if total == 0 {
		return BufferLines{}
	}

	headCount := maxLines
	if headCount > total {
		headCount = total
	}
	head = make([]string, headCount)
	copy(head, lines[:headCount])

	if total <= maxLines {
		tail = make([]string, len(head))
		copy(tail, head)
	} else {
		tail = make([]string, maxLines)
		copy(tail, lines[total-maxLines:])
	}

	return BufferLines{HeadLines: head, TailLines: tail}
}

// FormatBufferLines 将头尾行格式化为单行字符串，用于日志记录
func FormatBufferLines(lines BufferLines) string {
	var parts []string
	if len(lines.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(lines.HeadLines, " ⟩ ")+"]")
	}
	if len(lines.TailLines) > 0 && !equalLines(lines.HeadLines, lines.TailLines) {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DebugConsoleBuffer 在 debug 级别记录 expect 缓冲区的 head/tail-lines
// 用于排查提示符匹配失败时设备实际输出了什么
func DebugConsoleBuffer(stage string, buffer string, maxLines int) {
	if GetLogger().Level < logrus.DebugLevel {
		return
	}
	lines := ParseBufferLines(buffer, maxLines)
	if len(lines.HeadLines) == 0 && len(lines.TailLines) == 0 {
		return
	}
	Debugf("Console buffer [%s]: %s", stage, FormatBufferLines(lines))
}
