package model

import "strings"

// DeviceFamily 设备系列的控制台能力描述
// 各系列命令形态不同（单复数、分页开关），按系列查表而不是在会话层写 if/else
type DeviceFamily struct {
	// OS 解析器使用的系统标签（genie 风格：iosxe/nxos/iosxr/asa）
	OS string `json:"os"`
	// EnableRequired 登录后是否需要 enable 提权
	EnableRequired bool `json:"enable_required"`
	ConfigEnter    string `json:"config_enter"`
	ConfigExit     string `json:"config_exit"`
	DisablePaging  string `json:"disable_paging"`
	ShowVersion    string `json:"show_version"`
	ShowInterfaces string `json:"show_interfaces"`
	ShowRun        string `json:"show_run"`
}

// 各系列能力表；键为 CML 节点定义（node definition）
var deviceFamilies = map[string]DeviceFamily{
	"iosv": {
		OS:             "iosxe",
		EnableRequired: true,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interfaces",
		ShowRun:        "show running-config",
	},
	"iosvl2": {
		OS:             "iosxe",
		EnableRequired: true,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interfaces",
		ShowRun:        "show running-config",
	},
	"csr1000v": {
		OS:             "iosxe",
		EnableRequired: true,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interfaces",
		ShowRun:        "show running-config",
	},
	"cat8000v": {
		OS:             "iosxe",
		EnableRequired: true,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interfaces",
		ShowRun:        "show running-config",
	},
	"nxosv": {
		OS:             "nxos",
		EnableRequired: false,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		// NX-OS 为单数形式
		ShowInterfaces: "show interface",
		ShowRun:        "show running-config",
	},
	"nxosv9000": {
		OS:             "nxos",
		EnableRequired: false,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interface",
		ShowRun:        "show running-config",
	},
	"iosxrv": {
		OS:             "iosxr",
		EnableRequired: false,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interfaces",
		ShowRun:        "show running-config",
	},
	"iosxrv9000": {
		OS:             "iosxr",
		EnableRequired: false,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal length 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interfaces",
		ShowRun:        "show running-config",
	},
	"asav": {
		OS:             "asa",
		EnableRequired: true,
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		DisablePaging:  "terminal pager 0",
		ShowVersion:    "show version",
		ShowInterfaces: "show interface",
		ShowRun:        "show running-config",
	},
}

var defaultFamily = DeviceFamily{
	OS:             "generic",
	EnableRequired: true,
	ConfigEnter:    "configure terminal",
	ConfigExit:     "end",
	DisablePaging:  "terminal length 0",
	ShowVersion:    "show version",
	ShowInterfaces: "show interfaces",
	ShowRun:        "show running-config",
}

// FamilyFor 按 CML 节点定义返回设备系列能力；未知定义返回通用兜底
func FamilyFor(nodeDefinition string) DeviceFamily {
	key := strings.ToLower(strings.TrimSpace(nodeDefinition))
	if f, ok := deviceFamilies[key]; ok {
		return f
	}
	return defaultFamily
}

// KnownFamilies 返回全部已登记的节点定义
func KnownFamilies() []string {
	out := make([]string, 0, len(deviceFamilies))
	for k := range deviceFamilies {
		out = append(out, k)
	}
	return out
}
