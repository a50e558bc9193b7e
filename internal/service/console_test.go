package service

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/internal/database"
	"github.com/cmlconsolepro/cmlconsolepro/internal/model"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/expect"

	_ "github.com/cmlconsolepro/cmlconsolepro/addone/parse/platforms/iosxe"
)

// newTestService 组装全链路测试环境：假 CML 控制器 + 脚本化控制台 + 临时库
func newTestService(t *testing.T, script *consoleScript) *ConsoleService {
	t.Helper()

	auths := 0
	ts, cmlCfg := fakeCML(t, &auths, false)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	require.NoError(t, database.InitSQLite(config.SQLiteConfig{
		Path: filepath.Join(dir, "tasks.db"),
	}))
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		CML:     cmlCfg,
		Console: testTiming(),
		Collector: config.CollectorConfig{
			Concurrent:  2,
			TaskTimeout: 10 * time.Second,
			RetainTasks: 100,
		},
		Storage: config.StorageConfig{
			Backend: "local",
			Prefix:  "transcripts",
			Local: config.LocalConfig{
				BaseDir:        filepath.Join(dir, "archive"),
				MkdirIfMissing: true,
			},
		},
	}

	svc := NewConsoleService(cfg)
	svc.dial = func() (expect.Transport, error) { return startScript(script), nil }
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestExecuteTaskEndToEnd(t *testing.T) {
	script := ciscoScript(func(cmd string, w io.Writer) {
		switch cmd {
		case "terminal length 0":
			io.WriteString(w, "terminal length 0\r\nR1#")
		case "show version":
			io.WriteString(w, "show version\r\nCisco IOS Software, IOSv Software, Version 15.9(3)M4\r\nR1 uptime is 1 day\r\nR1#")
		}
	})
	// 控制台密码与假 CML 的配置保持一致
	svc := newTestService(t, script)
	svc.config.CML.Password = "cmlpass"
	svc.config.CML.ConsolePort = 22

	resp, err := svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab:      "lab-1",
		Node:     "R1",
		Commands: []string{"show version"},
	})
	require.NoError(t, err)
	require.True(t, resp.Success, "error: %s", resp.Error)
	require.Len(t, resp.Results, 1)

	// 分页关闭为内部预命令，不出现在结果里
	assert.Equal(t, "show version", resp.Results[0].Command)
	assert.Contains(t, resp.Results[0].RawOutput, "IOSv Software")

	// iosv 节点走 iosxe 解析插件
	assert.True(t, resp.Results[0].ParserUsed)
	records, ok := resp.Results[0].Parsed.([]parse.Record)
	require.True(t, ok)
	require.NotEmpty(t, records)
	assert.Equal(t, "15.9(3)M4", records[0]["version"])

	assert.Equal(t, "privileged_exec", resp.FinalMode)
	assert.NotEmpty(t, resp.ArchiveRef)
	assert.Contains(t, resp.ArchiveRef, "file://")

	// 任务落库
	task, err := svc.GetTask(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, task.Status)
	assert.Equal(t, resp.ArchiveRef, task.ArchiveRef)
	assert.Equal(t, "privileged_exec", task.FinalMode)
}

func TestExecuteTaskConfig(t *testing.T) {
	prompt := "R1#"
	script := ciscoScript(nil)
	base := script.onLine
	script.onLine = func(line string, w io.Writer) {
		switch line {
		case "configure terminal":
			prompt = "R1(config)#"
			io.WriteString(w, "configure terminal\r\n"+prompt)
		case "hostname R2":
			io.WriteString(w, "hostname R2\r\n"+prompt)
		case "end":
			prompt = "R1#"
			io.WriteString(w, "end\r\n"+prompt)
		default:
			base(line, w)
		}
	}

	svc := newTestService(t, script)
	svc.config.CML.Password = "cmlpass"

	resp, err := svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab:      "lab-1",
		Node:     "R1",
		Type:     "config",
		Commands: []string{"hostname R2"},
	})
	require.NoError(t, err)
	require.True(t, resp.Success, "error: %s", resp.Error)
	assert.Equal(t, "privileged_exec", resp.FinalMode)

	task, err := svc.GetTask(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeConfig, task.Type)
}

func TestExecuteTaskFailurePersisted(t *testing.T) {
	// 设备附着后保持沉默，提示符永不稳定
	script := &consoleScript{
		banner: "password:",
		onLine: func(line string, w io.Writer) {
			switch line {
			case "cmlpass":
				io.WriteString(w, "\r\nconsoles>")
			case "connect SECRET123":
				io.WriteString(w, "\r\nConnected to CML terminalserver.\r\nEscape character is '^]'.\r\n")
			}
		},
	}
	svc := newTestService(t, script)
	svc.config.CML.Password = "cmlpass"

	resp, err := svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab:      "lab-1",
		Node:     "R1",
		Commands: []string{"show version"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrKindTimeout, resp.ErrorKind)

	task, err := svc.GetTask(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusTimeout, task.Status)
	assert.Equal(t, ErrKindTimeout, task.ErrorKind)
}

func TestExecuteFactsUsesFamilyDefaults(t *testing.T) {
	var seen []string
	script := ciscoScript(func(cmd string, w io.Writer) {
		seen = append(seen, cmd)
		io.WriteString(w, cmd+"\r\nR1#")
	})
	svc := newTestService(t, script)
	svc.config.CML.Password = "cmlpass"

	resp, err := svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab:  "lab-1",
		Node: "R1",
		Type: model.TaskTypeFacts,
	})
	require.NoError(t, err)
	require.True(t, resp.Success, "error: %s", resp.Error)
	require.Len(t, resp.Results, 2)

	// iosv 系列的默认查询
	assert.Equal(t, "show version", resp.Results[0].Command)
	assert.Equal(t, "show interfaces", resp.Results[1].Command)
	assert.Equal(t, []string{"terminal length 0", "show version", "show interfaces"}, seen)

	// 实际下发的命令回填到任务记录
	task, err := svc.GetTask(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeFacts, task.Type)
	assert.Contains(t, task.Commands, "show interfaces")

	// facts 不接受调用方命令
	_, err = svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab: "lab-1", Node: "R1", Type: model.TaskTypeFacts, Commands: []string{"x"},
	})
	assert.Error(t, err)
}

func TestQueuedTaskSharesDeadline(t *testing.T) {
	// 不应答的控制台，执行阶段只能靠上下文截止解除
	script := &consoleScript{}
	svc := newTestService(t, script)
	svc.config.Console.ConnectTimeout = 10 * time.Second
	svc.config.Console.PromptTimeout = 10 * time.Second

	// 占满并发额度，任务先排队 700ms 才拿到执行权
	require.NoError(t, svc.sem.Acquire(context.Background(), 2))
	go func() {
		time.Sleep(700 * time.Millisecond)
		svc.sem.Release(2)
	}()

	timeout := 1
	start := time.Now()
	resp, err := svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab:      "lab-1",
		Node:     "R1",
		Commands: []string{"show version"},
		Timeout:  &timeout,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.False(t, resp.Success)

	// 排队耗时计入总超时，整体耗时不得接近两倍预算
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestExecuteTaskUnknownNode(t *testing.T) {
	svc := newTestService(t, ciscoScript(nil))
	svc.config.CML.Password = "cmlpass"

	resp, err := svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab:      "lab-1",
		Node:     "missing",
		Commands: []string{"show version"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrKindRuntime, resp.ErrorKind)
	assert.Contains(t, resp.Error, "missing")
}

func TestExecuteTaskValidation(t *testing.T) {
	svc := newTestService(t, ciscoScript(nil))

	_, err := svc.ExecuteTask(context.Background(), &ConsoleRequest{Lab: "lab-1", Node: "R1"})
	assert.Error(t, err)

	_, err = svc.ExecuteTask(context.Background(), &ConsoleRequest{
		Lab: "lab-1", Node: "R1", Type: "reboot", Commands: []string{"x"},
	})
	assert.Error(t, err)
}

func TestSyncLabCachesNodes(t *testing.T) {
	svc := newTestService(t, ciscoScript(nil))

	n, err := svc.SyncLab(context.Background(), "lab-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var infos []model.NodeInfo
	require.NoError(t, database.GetDB().Find(&infos).Error)
	assert.Len(t, infos, 2)
}

func TestTaskRegistryLifecycle(t *testing.T) {
	svc := newTestService(t, ciscoScript(nil))

	_, err := svc.GetTaskStatus("nope")
	assert.Error(t, err)
	assert.Error(t, svc.CancelTask("nope"))

	stats := svc.GetStats()
	assert.Equal(t, true, stats["running"])
	assert.Equal(t, 0, stats["active_tasks"])
}
