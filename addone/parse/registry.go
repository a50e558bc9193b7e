package parse

import (
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Plugin{}
)

// Register 注册平台解析插件
func Register(os string, plugin Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(os)] = plugin
}

// Get 获取指定系统的解析插件；未注册返回 nil
func Get(os string) Plugin {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[strings.ToLower(os)]
}

// Parse 按系统标签分发解析
// 任何失败都只意味着没有结构化结果，不影响命令执行本身
func Parse(os, command, raw string) (Result, error) {
	p := Get(os)
	if p == nil {
		return Result{}, ErrNoParser
	}
	return p.Parse(Context{OS: strings.ToLower(os), Command: command}, raw)
}
