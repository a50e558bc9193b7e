package main

// 控制台会话调试工具：绕过 REST 层，直接对控制台服务器建会话执行命令
//
//	go run ./cmd/cli -host 127.0.0.1 -port 2222 -password cml -secret DEV-R1-KEY \
//	  -enable cisco -cmd "show version" -cmd "show ip interface brief"

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/internal/service"
	"github.com/cmlconsolepro/cmlconsolepro/internal/util"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/expect"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

type commandList []string

func (c *commandList) String() string { return strings.Join(*c, ";") }
func (c *commandList) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	var (
		host       = flag.String("host", "127.0.0.1", "控制台服务器地址")
		port       = flag.Int("port", 22, "控制台服务器端口")
		user       = flag.String("user", "admin", "SSH 用户名")
		password   = flag.String("password", "", "SSH/控制台密码")
		secret     = flag.String("secret", "", "控制台连接密钥")
		devUser    = flag.String("device-user", "", "设备登录用户名")
		devPass    = flag.String("device-pass", "", "设备登录密码")
		enablePass = flag.String("enable", "", "enable 密码")
		promptHint = flag.String("prompt", "", "设备提示符正则提示")
		verbose    = flag.Bool("v", false, "输出调试日志")
		cmds       commandList
	)
	flag.Var(&cmds, "cmd", "待执行命令，可多次指定")
	flag.Parse()

	if *secret == "" || len(cmds) == 0 {
		fmt.Fprintln(os.Stderr, "用法: cli -host <host> -password <pw> -secret <key> -cmd <command> [...]")
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	_ = logger.Init(logger.Config{Level: level, Format: "text", Output: "console"})

	// 有配置文件时取其时序，否则用内置默认
	timing := defaultTiming()
	if cfg, err := config.Load(""); err == nil {
		timing = cfg.Console
	}

	sess := service.NewSession(service.SessionParams{
		Dial: func() (expect.Transport, error) {
			return expect.DialSSH(expect.DialOptions{
				Host:     *host,
				Port:     *port,
				Username: *user,
				Password: *password,
				Timeout:  timing.ConnectTimeout,
			})
		},
		ConsolePassword: *password,
		Secret:          *secret,
		Device: service.DeviceCredentials{
			Username: *devUser,
			Password: *devPass,
			Enable:   *enablePass,
		},
		PromptHint: *promptHint,
		Timing:     timing,
	})

	if serr := sess.Open(); serr != nil {
		fmt.Fprintf(os.Stderr, "会话建立失败 [%s]: %s\n", serr.Kind, serr.Message)
		if serr.Buffer != "" {
			fmt.Fprintf(os.Stderr, "--- 缓冲尾部 ---\n%s\n", tail(serr.Buffer, 500))
		}
		os.Exit(1)
	}
	fmt.Printf("已就绪: 提示符 %q 模式 %s\n", sess.Prompt(), sess.Mode())

	result, serr := sess.RunBatch(cmds)
	for _, chunk := range result.Chunks {
		fmt.Printf("\n===== %s (%dms)\n", chunk.Command, chunk.Duration)
		fmt.Println(util.CleanOutput(chunk.Output, chunk.Command))
	}
	if serr != nil {
		fmt.Fprintf(os.Stderr, "\n命令 #%d 失败 [%s]: %s\n", serr.CommandIndex, serr.Kind, serr.Message)
		os.Exit(1)
	}
	for _, w := range sess.Warnings() {
		fmt.Fprintf(os.Stderr, "警告: %s\n", w)
	}

	sess.Detach()
}

func defaultTiming() config.ConsoleConfig {
	return config.ConsoleConfig{
		ConnectTimeout:   15 * time.Second,
		SettleDelay:      500 * time.Millisecond,
		CRInterval:       300 * time.Millisecond,
		PromptTimeout:    15 * time.Second,
		AuthTimeout:      5 * time.Second,
		EnableTimeout:    10 * time.Second,
		CommandTimeout:   30 * time.Second,
		CommandSettle:    200 * time.Millisecond,
		PagerDelay:       50 * time.Millisecond,
		ConfirmDelay:     100 * time.Millisecond,
		RecoveryTimeout:  2 * time.Second,
		StabilizeRetries: 3,
		MaxIterations:    50,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
