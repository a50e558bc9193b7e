package iosxe

import (
	"strings"

	"github.com/cmlconsolepro/cmlconsolepro/addone/parse"
)

// parseShowIPInterfaceBrief 逐行切列
// 表头：Interface IP-Address OK? Method Status Protocol
// Status 可能含空格（administratively down），从右侧取 Protocol
func parseShowIPInterfaceBrief(raw string) []parse.Record {
	var records []parse.Record
	for _, ln := range strings.Split(raw, "\n") {
		line := strings.TrimRight(ln, " \t\r")
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if strings.EqualFold(fields[0], "Interface") {
			continue
		}
		// 接口名含类型前缀（Gi/Et/Lo 等）才认为是数据行
		if !strings.ContainsAny(fields[0], "0123456789") {
			continue
		}
		protocol := fields[len(fields)-1]
		status := strings.Join(fields[4:len(fields)-1], " ")
		records = append(records, parse.Record{
			"interface":  fields[0],
			"ip_address": fields[1],
			"ok":         strings.EqualFold(fields[2], "YES"),
			"method":     fields[3],
			"status":     status,
			"protocol":   protocol,
		})
	}
	return records
}
