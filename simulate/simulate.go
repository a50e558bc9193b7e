package simulate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

// simulate.yaml 配置结构
// 模拟一台 CML 控制台服务器：SSH 登录后进入 consoles> 提示符，
// connect <key> 附着到脚本化设备，Ctrl-] 返回服务器提示符
type Config struct {
	Server  ServerConfig            `mapstructure:"server"`
	Console map[string]string       `mapstructure:"console"` // key -> 设备名
	Device  map[string]DeviceConfig `mapstructure:"device"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Password    string `mapstructure:"password"`
	IdleSeconds int    `mapstructure:"idle_seconds"`
	MaxConn     int    `mapstructure:"max_conn"`
}

type DeviceConfig struct {
	Hostname string `mapstructure:"hostname"`
	// LoginRequired 为真时先走 Username/Password 流程
	LoginRequired  bool   `mapstructure:"login_required"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	EnableRequired bool   `mapstructure:"enable_required"`
	EnableSecret   string `mapstructure:"enable_secret"`
	// PagingLines 超过该行数的输出按 --More-- 分页；0 表示不分页
	PagingLines int `mapstructure:"paging_lines"`
}

// Manager 控制台模拟服务
type Manager struct {
	cfg      *Config
	baseDir  string
	listener net.Listener
	hostKey  ssh.Signer
	active   int
	conns    map[net.Conn]struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// LoadConfig 读取 simulate/simulate.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	if cfg.Server.Password == "" {
		cfg.Server.Password = "cml"
	}
	return &cfg, nil
}

// Start 启动控制台模拟服务；baseDir 为设备输出样本目录的根
func Start(cfg *Config, baseDir string) (*Manager, error) {
	if baseDir == "" {
		baseDir = "simulate"
	}
	signer, err := loadOrCreateHostKey(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}

	m := &Manager{cfg: cfg, baseDir: baseDir, hostKey: signer, conns: make(map[net.Conn]struct{})}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return nil, err
	}
	m.listener = ln
	logger.Infof("Simulate: console server listening on :%d", cfg.Server.Port)

	go m.acceptLoop()
	return m, nil
}

// Addr 返回监听地址（端口 0 启动时由此取实际端口）
func (m *Manager) Addr() net.Addr {
	return m.listener.Addr()
}

// Stop 停止模拟服务
// 仍然附着的连接一并关闭，否则等待会被挂死
func (m *Manager) Stop() {
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.mu.Lock()
	for c := range m.conns {
		_ = c.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	logger.Info("Simulate: console server stopped")
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		if m.cfg.Server.MaxConn > 0 && m.active >= m.cfg.Server.MaxConn {
			m.mu.Unlock()
			_ = conn.Close()
			logger.Warn("Simulate: reject connection, max_conn exceeded")
			continue
		}
		m.active++
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go func(c net.Conn) {
			defer m.wg.Done()
			m.handleConn(c)
			m.mu.Lock()
			m.active--
			delete(m.conns, c)
			m.mu.Unlock()
		}(conn)
	}
}

func loadOrCreateHostKey(baseDir string) (ssh.Signer, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	keyPath := filepath.Join(baseDir, "_hostkey_rsa.pem")

	if bs, err := os.ReadFile(keyPath); err == nil {
		if signer, err := ssh.ParsePrivateKey(bs); err == nil {
			return signer, nil
		}
		logger.Warn("Simulate: host key parse failed, regenerating")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func (m *Manager) handleConn(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if strings.TrimSpace(string(password)) == m.cfg.Server.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) > 0 && strings.TrimSpace(answers[0]) == m.cfg.Server.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
	}
	srvCfg.AddHostKey(m.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		go m.handleSession(channel, requests)
	}
}

func (m *Manager) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "window-change":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			m.runConsoleShell(channel)
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// consoleSession 单连接的控制台状态
type consoleSession struct {
	m       *Manager
	ch      ssh.Channel
	device  *DeviceConfig
	devName string
	// prompt 附着设备后的当前提示符（含配置模式变化）
	prompt  string
	enabled bool
	// authStage 设备登录进度：0 已认证，1 等用户名，2 等密码
	authStage int
	authUser  string
	pager     *pagerState
}

// pagerState 进行中的分页输出
type pagerState struct {
	lines []string
	pos   int
}

// runConsoleShell 控制台服务器交互循环
// 输入按字节处理：会话侧行结束是 CR，Ctrl-] 必须即时生效
func (m *Manager) runConsoleShell(ch ssh.Channel) {
	cs := &consoleSession{m: m, ch: ch}
	cs.write("\r\nWelcome to the CML terminalserver.\r\nconsoles>")

	idle := m.cfg.Server.IdleSeconds
	if idle > 0 {
		deadline := time.AfterFunc(time.Duration(idle)*time.Second, func() {
			cs.write("\r\nSession closed due to idle timeout.\r\n")
			ch.Close()
		})
		defer deadline.Stop()
	}

	buf := make([]byte, 256)
	var pending strings.Builder
	for {
		n, err := ch.Read(buf)
		if err != nil {
			if err != io.EOF {
				logger.Debugf("Simulate: session read error: %v", err)
			}
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r', '\n':
				line := pending.String()
				pending.Reset()
				if !cs.handleLine(line) {
					return
				}
			case 0x1d:
				// Ctrl-] 脱离设备控制台
				pending.Reset()
				cs.device = nil
				cs.write("\r\nconsoles>")
			case ' ':
				// 附着状态下行首空格是续页键
				if cs.device != nil && pending.Len() == 0 {
					cs.continuePager()
				} else {
					pending.WriteByte(b)
				}
			default:
				pending.WriteByte(b)
			}
		}
	}
}

func (cs *consoleSession) write(s string) {
	_, _ = cs.ch.Write([]byte(s))
}

// handleLine 处理一行输入；返回 false 表示会话结束
func (cs *consoleSession) handleLine(line string) bool {
	cmd := strings.TrimSpace(line)
	if cs.device == nil {
		return cs.handleServerLine(cmd)
	}
	cs.handleDeviceLine(cmd)
	return true
}

// handleServerLine consoles> 提示符下的命令
func (cs *consoleSession) handleServerLine(cmd string) bool {
	switch {
	case cmd == "":
		cs.write("\r\nconsoles>")
	case cmd == "exit" || cmd == "quit":
		cs.write("\r\n")
		return false
	case strings.HasPrefix(cmd, "connect "):
		key := strings.TrimSpace(strings.TrimPrefix(cmd, "connect "))
		name, ok := cs.m.cfg.Console[key]
		if !ok {
			cs.write("\r\nConsole key invalid.\r\nconsoles>")
			return true
		}
		dev, ok := cs.m.cfg.Device[name]
		if !ok {
			cs.write("\r\nConsole line unavailable.\r\nconsoles>")
			return true
		}
		cs.device = &dev
		cs.devName = name
		cs.enabled = !dev.EnableRequired
		cs.authStage = 0
		if dev.LoginRequired {
			cs.authStage = 1
		}
		cs.prompt = cs.basePrompt()
		cs.write("\r\nConnected to CML terminalserver.\r\nEscape character is '^]'.\r\n")
	default:
		cs.write("\r\nUnknown command.\r\nconsoles>")
	}
	return true
}

func (cs *consoleSession) basePrompt() string {
	host := cs.device.Hostname
	if host == "" {
		host = cs.devName
	}
	if cs.enabled {
		return host + "#"
	}
	return host + ">"
}

// handleDeviceLine 附着设备后的命令处理
func (cs *consoleSession) handleDeviceLine(cmd string) {
	dev := cs.device
	if cs.authStage != 0 {
		cs.handleLoginLine(cmd)
		return
	}
	switch {
	case cmd == "":
		cs.write("\r\n" + cs.prompt)
	case strings.EqualFold(cmd, "enable") && dev.EnableRequired && !cs.enabled:
		cs.write("\r\nPassword: ")
		// 下一行输入作为提权密码处理
		cs.devicePasswordGate(dev.EnableSecret, func() {
			cs.enabled = true
			cs.prompt = cs.basePrompt()
		})
	case strings.EqualFold(cmd, "configure terminal") || strings.EqualFold(cmd, "conf t"):
		host := strings.TrimRight(cs.basePrompt(), ">#")
		cs.prompt = host + "(config)#"
		cs.write("\r\nEnter configuration commands, one per line.  End with CNTL/Z.\r\n" + cs.prompt)
	case strings.EqualFold(cmd, "end"):
		cs.prompt = cs.basePrompt()
		cs.write("\r\n" + cs.prompt)
	case strings.EqualFold(cmd, "exit") && strings.Contains(cs.prompt, "(config"):
		cs.prompt = cs.basePrompt()
		cs.write("\r\n" + cs.prompt)
	case strings.Contains(cs.prompt, "(config"):
		// 配置模式下的命令只回显提示符
		cs.write("\r\n" + cs.prompt)
	default:
		cs.emitCommandOutput(cmd)
	}
}

// handleLoginLine 设备登录流程：用户名、密码各占一行，失败回到用户名提示
func (cs *consoleSession) handleLoginLine(line string) {
	dev := cs.device
	switch cs.authStage {
	case 1:
		if line == "" {
			cs.write("\r\nUsername: ")
			return
		}
		cs.authUser = line
		cs.authStage = 2
		cs.write("\r\nPassword: ")
	case 2:
		if cs.authUser == dev.Username && line == dev.Password {
			cs.authStage = 0
			cs.write("\r\n" + cs.prompt)
			return
		}
		cs.authStage = 1
		cs.authUser = ""
		cs.write("\r\n% Login invalid\r\n\r\nUsername: ")
	}
}

// devicePasswordGate 读取下一行并校验口令
func (cs *consoleSession) devicePasswordGate(secret string, onSuccess func()) {
	buf := make([]byte, 128)
	var pending strings.Builder
	for {
		n, err := cs.ch.Read(buf)
		if err != nil {
			return
		}
		for _, b := range buf[:n] {
			if b == '\r' || b == '\n' {
				if strings.TrimSpace(pending.String()) == secret {
					onSuccess()
					cs.write("\r\n" + cs.prompt)
				} else {
					cs.write("\r\nBad secrets\r\n" + cs.prompt)
				}
				return
			}
			pending.WriteByte(b)
		}
	}
}

// emitCommandOutput 回放样本文件，超长输出分页
func (cs *consoleSession) emitCommandOutput(cmd string) {
	out := cs.m.loadCommandOutput(cs.devName, cmd)
	if out == "" {
		cs.write("\r\n% Invalid input detected at '^' marker.\r\n" + cs.prompt)
		return
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	limit := cs.device.PagingLines
	if limit <= 0 || len(lines) <= limit {
		cs.write("\r\n" + strings.Join(lines, "\r\n") + "\r\n" + cs.prompt)
		return
	}

	cs.pager = &pagerState{lines: lines, pos: limit}
	cs.write("\r\n" + strings.Join(lines[:limit], "\r\n") + "\r\n --More-- ")
}

// continuePager 续页；输出尽后回到提示符
func (cs *consoleSession) continuePager() {
	st := cs.pager
	if st == nil {
		return
	}

	limit := cs.device.PagingLines
	end := st.pos + limit
	if end >= len(st.lines) {
		cs.write("\r" + strings.Join(st.lines[st.pos:], "\r\n") + "\r\n" + cs.prompt)
		cs.pager = nil
		return
	}
	cs.write("\r" + strings.Join(st.lines[st.pos:end], "\r\n") + "\r\n --More-- ")
	st.pos = end
}

// loadCommandOutput 读取设备命令样本：devices/<name>/<cmd>.txt，空格折叠为下划线
func (m *Manager) loadCommandOutput(devName, cmd string) string {
	base := filepath.Join(m.baseDir, "devices", devName)
	normalized := strings.ReplaceAll(strings.TrimSpace(cmd), " ", "_")
	for _, p := range []string{
		filepath.Join(base, cmd+".txt"),
		filepath.Join(base, normalized+".txt"),
	} {
		if bs, err := os.ReadFile(p); err == nil {
			return strings.ReplaceAll(string(bs), "\r\n", "\n")
		}
	}
	return ""
}
