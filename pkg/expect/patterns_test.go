package expect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMode(t *testing.T) {
	cases := []struct {
		prompt string
		want   Mode
	}{
		{"Router>", ModeUserExec},
		{"Router#", ModePrivilegedExec},
		{"Router# ", ModePrivilegedExec},
		{"switch-01.lab>", ModeUserExec},
		{"Router(config)#", ModeConfigGlobal},
		{"Router(config-if)#", ModeConfigSub},
		{"Router(config-line)#", ModeConfigSub},
		{"nx-osv(config-router)#", ModeConfigSub},
		{"Username:", ModeUnauthenticated},
		{"Password:", ModeUnauthenticated},
		{"", ModeUnknown},
		{"some banner text", ModeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyMode(c.prompt), "prompt=%q", c.prompt)
	}
}

func TestDefaultPatternsDevicePrompt(t *testing.T) {
	ps := DefaultPatterns("")

	for _, tail := range []string{
		"Router>",
		"Router#",
		"Router(config)#",
		"Router(config-if)#",
		"sw-01.lab.local#",
	} {
		assert.True(t, ps.DevicePrompt.MatchString("banner\r\n"+tail), "tail=%q", tail)
	}
	// 行中段的 # 不应命中
	assert.False(t, ps.DevicePrompt.MatchString("interface Gi0/0 # shutdown then\r\nmore"))
}

func TestDefaultPatternsPromptHint(t *testing.T) {
	ps := DefaultPatterns(`core-rtr[>#]\s*$`)
	assert.True(t, ps.DevicePrompt.MatchString("core-rtr#"))
	assert.False(t, ps.DevicePrompt.MatchString("other-rtr#"))
}

func TestConfigAndExecPrompts(t *testing.T) {
	ps := DefaultPatterns("")
	assert.True(t, ps.ConfigPrompt.MatchString("Router(config)#"))
	assert.True(t, ps.ConfigPrompt.MatchString("Router(config-if)#"))
	assert.False(t, ps.ConfigPrompt.MatchString("Router#"))
	assert.True(t, ps.ExecPrompt.MatchString("Router#"))
	assert.True(t, ps.ExecPrompt.MatchString("Router>"))
	assert.True(t, ps.PrivPrompt.MatchString("Router#"))
	assert.False(t, ps.PrivPrompt.MatchString("Router>"))
}

func TestPagerAndConfirmPatterns(t *testing.T) {
	ps := DefaultPatterns("")
	assert.True(t, ps.PagerIOS.MatchString(" --More-- "))
	assert.True(t, ps.PagerNXOS.MatchString("<--- More --->"))
	assert.True(t, ps.ConfirmYesNo.MatchString("Proceed? (yes/no):"))
	assert.True(t, ps.Confirm.MatchString("Reload? [confirm]"))
}

func TestLooksLikePrompt(t *testing.T) {
	assert.True(t, LooksLikePrompt("garbage\r\nRouter#\r\n"))
	assert.True(t, LooksLikePrompt("Router> "))
	assert.False(t, LooksLikePrompt("still booting..."))
}
