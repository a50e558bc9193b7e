package integration

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/internal/service"
	"github.com/cmlconsolepro/cmlconsolepro/internal/util"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/expect"
	"github.com/cmlconsolepro/cmlconsolepro/simulate"
)

// 走真实 SSH 链路打通模拟控制台：握手、附着、enable、分页、脱离

func simConfig() *simulate.Config {
	return &simulate.Config{
		Server: simulate.ServerConfig{
			Port:     0, // 随机端口
			Password: "cml",
			MaxConn:  4,
		},
		Console: map[string]string{
			"DEV-R1-KEY":   "R1",
			"DEV-SW1-KEY":  "SW1",
			"DEV-EDGE-KEY": "EDGE",
		},
		Device: map[string]simulate.DeviceConfig{
			"R1": {
				Hostname:       "R1",
				EnableRequired: true,
				EnableSecret:   "cisco",
				PagingLines:    5,
			},
			"SW1": {
				Hostname: "SW1",
			},
			"EDGE": {
				Hostname:      "EDGE",
				LoginRequired: true,
				Username:      "admin",
				Password:      "lab123",
			},
		},
	}
}

func fastTiming() config.ConsoleConfig {
	return config.ConsoleConfig{
		ConnectTimeout:   5 * time.Second,
		SettleDelay:      50 * time.Millisecond,
		CRInterval:       50 * time.Millisecond,
		PromptTimeout:    3 * time.Second,
		AuthTimeout:      2 * time.Second,
		EnableTimeout:    2 * time.Second,
		CommandTimeout:   3 * time.Second,
		CommandSettle:    20 * time.Millisecond,
		PagerDelay:       5 * time.Millisecond,
		ConfirmDelay:     5 * time.Millisecond,
		RecoveryTimeout:  time.Second,
		StabilizeRetries: 3,
		MaxIterations:    50,
	}
}

func startSim(t *testing.T) (*simulate.Manager, int) {
	t.Helper()
	mgr, err := simulate.Start(simConfig(), "../../simulate")
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)
	port := mgr.Addr().(*net.TCPAddr).Port
	return mgr, port
}

func newSimSession(t *testing.T, port int, secret string, device service.DeviceCredentials) *service.Session {
	t.Helper()
	return service.NewSession(service.SessionParams{
		Dial: func() (expect.Transport, error) {
			return expect.DialSSH(expect.DialOptions{
				Host:     "127.0.0.1",
				Port:     port,
				Username: "admin",
				Password: "cml",
				Timeout:  5 * time.Second,
			})
		},
		ConsolePassword: "cml",
		Secret:          secret,
		Device:          device,
		Timing:          fastTiming(),
	})
}

func TestSimulatedConsoleExecWithEnable(t *testing.T) {
	_, port := startSim(t)

	s := newSimSession(t, port, "DEV-R1-KEY", service.DeviceCredentials{Enable: "cisco"})
	require.Nil(t, s.Open())

	// R1 需要 enable，建会话后应已提权
	assert.Equal(t, expect.ModePrivilegedExec, s.Mode())
	assert.Equal(t, "R1#", s.Prompt())

	chunk, serr := s.Run("show version")
	require.Nil(t, serr)
	out := util.CleanOutput(chunk.Output, "show version")
	assert.Contains(t, out, "IOSv Software")
	assert.Contains(t, out, "Processor board ID")

	s.Detach()
	assert.Equal(t, service.StateCompleted, s.State())
}

func TestSimulatedConsolePagination(t *testing.T) {
	_, port := startSim(t)

	s := newSimSession(t, port, "DEV-R1-KEY", service.DeviceCredentials{Enable: "cisco"})
	require.Nil(t, s.Open())

	// 25 行样本对 5 行分页，走多轮 --More-- 续页
	chunk, serr := s.Run("show running-config")
	require.Nil(t, serr)
	assert.False(t, chunk.TimedOut)

	out := util.CleanOutput(chunk.Output, "show running-config")
	assert.Contains(t, out, "hostname R1")
	assert.Contains(t, out, "router ospf 1")
	assert.Contains(t, out, "line vty 0 4")
	assert.NotContains(t, out, "--More--")

	s.Detach()
}

func TestSimulatedConsoleNoEnableDevice(t *testing.T) {
	_, port := startSim(t)

	s := newSimSession(t, port, "DEV-SW1-KEY", service.DeviceCredentials{})
	require.Nil(t, s.Open())

	// SW1 不要求提权，直接停在用户可用提示符
	assert.Equal(t, "SW1#", s.Prompt())

	chunk, serr := s.Run("show version")
	require.Nil(t, serr)
	assert.Contains(t, chunk.Output, "vios_l2")

	s.Detach()
}

func TestSimulatedConsoleInvalidKey(t *testing.T) {
	_, port := startSim(t)

	s := newSimSession(t, port, "WRONG-KEY", service.DeviceCredentials{})
	serr := s.Open()
	require.NotNil(t, serr)
	assert.Equal(t, service.ErrKindConnection, serr.Kind)
	assert.Contains(t, serr.Buffer, "Console key invalid")
}

func TestSimulatedConsoleConfigBatch(t *testing.T) {
	_, port := startSim(t)

	s := newSimSession(t, port, "DEV-R1-KEY", service.DeviceCredentials{Enable: "cisco"})
	require.Nil(t, s.Open())

	result, serr := s.RunConfigBatch([]string{"hostname R1", "no ip domain lookup"}, "", "")
	require.Nil(t, serr, "config batch failed: %v", serr)
	assert.Len(t, result.Chunks, 2)
	assert.Equal(t, "privileged_exec", result.FinalMode)

	s.Detach()
}

func TestSimulatedConsoleDeviceLogin(t *testing.T) {
	_, port := startSim(t)

	s := newSimSession(t, port, "DEV-EDGE-KEY", service.DeviceCredentials{
		Username: "admin",
		Password: "lab123",
	})
	require.Nil(t, s.Open())

	// 登录后停在完整提示符上
	assert.Equal(t, expect.ModePrivilegedExec, s.Mode())
	assert.Equal(t, "EDGE#", s.Prompt())

	s.Detach()
	assert.Equal(t, service.StateCompleted, s.State())
}

func TestSimulatedConsoleLoginMissingCredentials(t *testing.T) {
	_, port := startSim(t)

	// 设备要求登录但未提供凭据，必须在任何命令之前失败
	s := newSimSession(t, port, "DEV-EDGE-KEY", service.DeviceCredentials{})
	serr := s.Open()
	require.NotNil(t, serr)
	assert.Equal(t, service.ErrKindCredentials, serr.Kind)
}

func TestSimulatedConsoleStopClosesAttachedSessions(t *testing.T) {
	mgr, port := startSim(t)

	s := newSimSession(t, port, "DEV-SW1-KEY", service.DeviceCredentials{})
	require.Nil(t, s.Open())
	defer s.Close()

	// 有存活会话时 Stop 也要及时返回
	done := make(chan struct{})
	go func() {
		mgr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked with an attached session")
	}
}

func TestSimulatedConsoleBadServerPassword(t *testing.T) {
	_, port := startSim(t)

	s := service.NewSession(service.SessionParams{
		Dial: func() (expect.Transport, error) {
			return expect.DialSSH(expect.DialOptions{
				Host:     "127.0.0.1",
				Port:     port,
				Username: "admin",
				Password: "wrong",
				Timeout:  5 * time.Second,
			})
		},
		ConsolePassword: "wrong",
		Secret:          "DEV-R1-KEY",
		Timing:          fastTiming(),
	})
	serr := s.Open()
	require.NotNil(t, serr)
	assert.Equal(t, service.ErrKindConnection, serr.Kind)
}
