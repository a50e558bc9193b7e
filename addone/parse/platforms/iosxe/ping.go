package iosxe

import (
	"regexp"
	"strconv"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
)

var (
	successRateRe = regexp.MustCompile(`Success rate is (\d+) percent \((\d+)/(\d+)\)`)
	rttRe         = regexp.MustCompile(`round-trip min/avg/max = (\d+)/(\d+)/(\d+) ms`)
)

// parsePing 提取成功率与往返时延
func parsePing(raw string) []parse.Record {
	m := successRateRe.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	rate, _ := strconv.Atoi(m[1])
	received, _ := strconv.Atoi(m[2])
	sent, _ := strconv.Atoi(m[3])
	rec := parse.Record{
		"success_rate_pct": rate,
		"received":         received,
		"sent":             sent,
	}
	if rm := rttRe.FindStringSubmatch(raw); rm != nil {
		minMs, _ := strconv.Atoi(rm[1])
		avgMs, _ := strconv.Atoi(rm[2])
		maxMs, _ := strconv.Atoi(rm[3])
		rec["rtt_min_ms"] = minMs
		rec["rtt_avg_ms"] = avgMs
		rec["rtt_max_ms"] = maxMs
	}
	return []parse.Record{rec}
}
