package expect

import (
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeTransport() (Transport, io.WriteCloser, io.Reader) {
	// feedW 模拟设备向会话输出，sinkR 收取会话写入的内容
	feedR, feedW := io.Pipe()
	sinkR, sinkW := io.Pipe()
	tr := NewStreamTransport(feedR, sinkW, feedR.Close)
	return tr, feedW, sinkR
}

func TestExpectEarliestMatchWins(t *testing.T) {
	tr, feed, _ := newPipeTransport()
	defer tr.Close(true)

	go func() {
		feed.Write([]byte("some output --More-- Router#"))
	}()

	pager := regexp.MustCompile(`--More--`)
	prompt := regexp.MustCompile(`Router#`)
	// prompt 排在前面，但 pager 出现得更早，应命中 pager
	m, err := tr.Expect([]*regexp.Regexp{prompt, pager}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, "some output ", m.Before)
	assert.Equal(t, "--More--", m.Text)

	// 匹配点之后的内容留在缓冲，下一次期望继续消费
	m, err = tr.Expect([]*regexp.Regexp{prompt}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, " ", m.Before)
}

func TestExpectTimeoutKeepsPartial(t *testing.T) {
	tr, feed, _ := newPipeTransport()
	defer tr.Close(true)

	go func() {
		feed.Write([]byte("partial boot log"))
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := tr.Expect([]*regexp.Regexp{regexp.MustCompile(`Router#`)}, 100*time.Millisecond)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "partial boot log", te.Partial)
	// 超时不应丢弃缓冲
	assert.Equal(t, "partial boot log", tr.Buffer())
}

func TestSendline(t *testing.T) {
	tr, _, sink := newPipeTransport()
	defer tr.Close(true)

	go tr.Sendline("show version")
	buf := make([]byte, 64)
	n, err := sink.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "show version\r", string(buf[:n]))
}

func TestDrain(t *testing.T) {
	tr, feed, _ := newPipeTransport()
	defer tr.Close(true)

	feed.Write([]byte("leftover banner\r\n"))
	time.Sleep(30 * time.Millisecond)

	got := tr.Drain(50 * time.Millisecond)
	assert.Equal(t, "leftover banner\r\n", got)
	assert.Equal(t, "", tr.Buffer())
}

func TestForceCloseUnblocksExpect(t *testing.T) {
	tr, feed, _ := newPipeTransport()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Expect([]*regexp.Regexp{regexp.MustCompile(`never`)}, 10*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close(true))

	select {
	case err := <-done:
		var ce *ClosedError
		assert.ErrorAs(t, err, &ce)
	case <-time.After(2 * time.Second):
		t.Fatal("Expect did not return after force close")
	}
	_ = feed
}

func TestUTF8RuneSplitAcrossReads(t *testing.T) {
	tr, feed, _ := newPipeTransport()
	defer tr.Close(true)

	// 多字节字符在读取边界被切断，拼齐后不得出现替换符
	raw := []byte("接口已启用\r\nR1#")
	go func() {
		feed.Write(raw[:1])
		feed.Write(raw[1:])
	}()

	m, err := tr.Expect([]*regexp.Regexp{regexp.MustCompile(`R1#`)}, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, m.Before, "接口已启用")
	assert.NotContains(t, m.Before, "�")
}

func TestSplitIncompleteRune(t *testing.T) {
	full := []byte("abc软")

	// 完整序列整体放行
	complete, rest := splitIncompleteRune(full)
	assert.Equal(t, full, complete)
	assert.Empty(t, rest)

	// 截断的三字节序列扣下尾部
	complete, rest = splitIncompleteRune(full[:5])
	assert.Equal(t, []byte("abc"), complete)
	assert.Equal(t, full[3:5], rest)

	// ASCII 结尾不扣字节
	complete, rest = splitIncompleteRune([]byte("R1#"))
	assert.Equal(t, []byte("R1#"), complete)
	assert.Empty(t, rest)
}

func TestReaderEOFReportsClosed(t *testing.T) {
	tr, feed, _ := newPipeTransport()
	defer tr.Close(true)

	feed.Write([]byte("tail output"))
	feed.Close()
	time.Sleep(50 * time.Millisecond)

	_, err := tr.Expect([]*regexp.Regexp{regexp.MustCompile(`Router#`)}, time.Second)
	var ce *ClosedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "tail output", ce.Partial)
}
