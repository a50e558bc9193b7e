package main

// 解析插件注册；空白导入触发各平台的 init
import (
	_ "github.com/cmlconsolepro/cmlconsolepro/addone/parse/platforms/iosxe"
	_ "github.com/cmlconsolepro/cmlconsolepro/addone/parse/platforms/nxos"
)
