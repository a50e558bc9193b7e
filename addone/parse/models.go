package parse

import "errors"

// ErrNoParser 表示该命令/系统组合没有可用解析器
// 解析缺失不是错误路径：调用方照常返回原始转录
var ErrNoParser = errors.New("no parser available")

// Context 解析上下文
type Context struct {
	// OS 设备系统标签（iosxe/nxos/iosxr/asa/generic）
	OS      string
	Command string
	TaskID  string
	Node    string
}

// Record 单条结构化记录
type Record map[string]interface{}

// Result 解析结果
type Result struct {
	OS      string   `json:"os"`
	Command string   `json:"command"`
	Records []Record `json:"records"`
}

// Plugin 平台解析插件接口
type Plugin interface {
	Name() string
	// Commands 返回该平台具备结构化解析能力的命令
	Commands() []string
	// Parse 将原始命令输出解析为结构化记录；无解析器时返回 ErrNoParser
	Parse(ctx Context, raw string) (Result, error)
}
