package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFamilyForKnownDefinitions(t *testing.T) {
	iosv := FamilyFor("iosv")
	assert.Equal(t, "iosxe", iosv.OS)
	assert.True(t, iosv.EnableRequired)
	assert.Equal(t, "terminal length 0", iosv.DisablePaging)

	nxos := FamilyFor("nxosv9000")
	assert.Equal(t, "nxos", nxos.OS)
	assert.False(t, nxos.EnableRequired)
	// NX-OS 为单数形式
	assert.Equal(t, "show interface", nxos.ShowInterfaces)

	asa := FamilyFor("asav")
	assert.Equal(t, "asa", asa.OS)
	assert.Equal(t, "terminal pager 0", asa.DisablePaging)
}

func TestFamilyForCaseAndWhitespace(t *testing.T) {
	assert.Equal(t, "iosxe", FamilyFor(" IOSV ").OS)
}

func TestFamilyForUnknownFallsBack(t *testing.T) {
	f := FamilyFor("ubuntu")
	assert.Equal(t, "generic", f.OS)
	assert.Equal(t, "configure terminal", f.ConfigEnter)
}

func TestKnownFamiliesCoverage(t *testing.T) {
	names := KnownFamilies()
	assert.Contains(t, names, "iosv")
	assert.Contains(t, names, "csr1000v")
	assert.Contains(t, names, "asav")
}
