package iosxe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
)

const showVersionSample = `Cisco IOS Software, IOSv Software (VIOS-ADVENTERPRISEK9-M), Version 15.9(3)M4, RELEASE SOFTWARE (fc1)
Technical Support: http://www.cisco.com/techsupport

R1 uptime is 2 days, 4 hours, 11 minutes
System image file is "flash0:/vios-adventerprisek9-m"

Processor board ID 9YGNLActJ0JRPGW71IPXA
Configuration register is 0x0`

func TestParseShowVersion(t *testing.T) {
	res, err := parse.Parse("iosxe", "show version", showVersionSample)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "15.9(3)M4", rec["version"])
	assert.Equal(t, "R1", rec["hostname"])
	assert.Equal(t, "2 days, 4 hours, 11 minutes", rec["uptime"])
	assert.Equal(t, "9YGNLActJ0JRPGW71IPXA", rec["serial"])
	assert.Equal(t, "flash0:/vios-adventerprisek9-m", rec["image"])
}

const interfaceBriefSample = `Interface                  IP-Address      OK? Method Status                Protocol
GigabitEthernet0/0         10.0.0.1        YES manual up                    up
GigabitEthernet0/1         unassigned      YES unset  administratively down down`

func TestParseShowIPInterfaceBrief(t *testing.T) {
	res, err := parse.Parse("iosxe", "show ip interface brief", interfaceBriefSample)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	assert.Equal(t, "GigabitEthernet0/0", res.Records[0]["interface"])
	assert.Equal(t, "10.0.0.1", res.Records[0]["ip_address"])
	assert.Equal(t, true, res.Records[0]["ok"])
	assert.Equal(t, "up", res.Records[0]["status"])
	assert.Equal(t, "up", res.Records[0]["protocol"])

	// Status 含空格时从右侧取 Protocol
	assert.Equal(t, "administratively down", res.Records[1]["status"])
	assert.Equal(t, "down", res.Records[1]["protocol"])
}

const pingSample = `Type escape sequence to abort.
Sending 5, 100-byte ICMP Echos to 10.0.0.2, timeout is 2 seconds:
!!!!!
Success rate is 100 percent (5/5), round-trip min/avg/max = 2/4/9 ms`

func TestParsePing(t *testing.T) {
	res, err := parse.Parse("iosxe", "ping 10.0.0.2", pingSample)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, 100, rec["success_rate_pct"])
	assert.Equal(t, 5, rec["received"])
	assert.Equal(t, 5, rec["sent"])
	assert.Equal(t, 2, rec["rtt_min_ms"])
	assert.Equal(t, 4, rec["rtt_avg_ms"])
	assert.Equal(t, 9, rec["rtt_max_ms"])
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := parse.Parse("iosxe", "show clock", "10:00:00 UTC")
	assert.ErrorIs(t, err, parse.ErrNoParser)
}

func TestParseUnknownOS(t *testing.T) {
	_, err := parse.Parse("junos", "show version", "whatever")
	assert.ErrorIs(t, err, parse.ErrNoParser)
}
