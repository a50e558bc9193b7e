package expect

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cmlconsolepro/cmlconsolepro/internal/util"
)

// Match 一次期望匹配的结果
type Match struct {
	Index  int    // 命中的模式序号（传入顺序）
	Before string // 匹配位置之前的全部输出
	Text   string // 匹配到的文本本身
}

// TimeoutError 期望超时，携带已到达但未匹配的部分输出
type TimeoutError struct {
	Partial  string
	Patterns []string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("expect timeout after %s waiting for %s", e.Waited, strings.Join(e.Patterns, " | "))
}

// ClosedError 底层连接在等待期间被关闭
type ClosedError struct {
	Partial string
	Cause   error
}

func (e *ClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport closed: %v", e.Cause)
	}
	return "transport closed"
}

// Transport 面向期望循环的字节流通道抽象
// 实现需保证 Expect 的最早匹配优先语义，以及 Close(force) 可解除
// 正在阻塞的 Expect/Drain
type Transport interface {
	// Send 原样写入，不追加换行（分页续页等场合）
	Send(data string) error
	// Sendline 写入后追加 CR（网络设备控制台按回车解释）
	Sendline(line string) error
	// Expect 等待任一模式命中；多个模式同时命中时取输出中位置最早者，
	// 位置相同取传入顺序靠前者。超时返回 *TimeoutError 且不丢弃缓冲
	Expect(patterns []*regexp.Regexp, timeout time.Duration) (*Match, error)
	// Drain 清空当前缓冲并短暂等待静默，返回清出的内容
	Drain(quiet time.Duration) string
	// Buffer 当前未消费缓冲的快照
	Buffer() string
	// Close 关闭通道；force 为真时立即切断，正在阻塞的 Expect 返回 ClosedError
	Close(force bool) error
}

// streamTransport 基于任意 reader/writer 的通道实现
// 读协程持续搬运字节进缓冲，Expect 在缓冲上做正则匹配
type streamTransport struct {
	w      io.WriteCloser
	closer func() error

	mu     sync.Mutex
	buf    strings.Builder
	notify chan struct{}
	err    error
	closed bool
}

// NewStreamTransport 在已建立的读写流上构造通道
// closer 非空时在 Close 中调用（用于关闭底层连接）
func NewStreamTransport(r io.Reader, w io.WriteCloser, closer func() error) Transport {
	t := &streamTransport{
		w:      w,
		closer: closer,
		notify: make(chan struct{}, 1),
	}
	go t.readLoop(r)
	return t
}

func (t *streamTransport) readLoop(r io.Reader) {
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// 设备输出可能混入非 UTF-8 字节，入缓冲前统一转码；
			// 跨读取被截断的多字节序列先扣下，拼齐后再转
			data := append(carry, buf[:n]...)
			complete, rest := splitIncompleteRune(data)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 {
				text := util.EnsureUTF8Bytes(complete)
				t.mu.Lock()
				t.buf.WriteString(text)
				t.mu.Unlock()
				t.wake()
			}
		}
		if err != nil {
			t.mu.Lock()
			if len(carry) > 0 {
				t.buf.WriteString(util.EnsureUTF8Bytes(carry))
			}
			if t.err == nil {
				t.err = err
			}
			t.mu.Unlock()
			t.wake()
			return
		}
	}
}

// splitIncompleteRune 剥出末尾可能被截断的 UTF-8 多字节序列
// 非法字节原样放行，由转码层兜底
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	n := len(b)
	for i := n - 1; i >= 0 && n-i < utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			break
		}
		if !utf8.RuneStart(c) {
			continue
		}
		want := 0
		switch {
		case c&0xE0 == 0xC0:
			want = 2
		case c&0xF0 == 0xE0:
			want = 3
		case c&0xF8 == 0xF0:
			want = 4
		}
		if want > n-i {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

func (t *streamTransport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *streamTransport) Send(data string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return &ClosedError{}
	}
	_, err := t.w.Write([]byte(data))
	return err
}

func (t *streamTransport) Sendline(line string) error {
	return t.Send(line + "\r")
}

func (t *streamTransport) Expect(patterns []*regexp.Regexp, timeout time.Duration) (*Match, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	start := time.Now()

	for {
		if m := t.tryMatch(patterns); m != nil {
			return m, nil
		}

		t.mu.Lock()
		readErr := t.err
		closed := t.closed
		partial := t.buf.String()
		t.mu.Unlock()
		if readErr != nil || closed {
			// 读尽最后到达的字节后再报关闭
			if m := t.tryMatch(patterns); m != nil {
				return m, nil
			}
			if readErr == io.EOF {
				readErr = nil
			}
			return nil, &ClosedError{Partial: partial, Cause: readErr}
		}

		select {
		case <-t.notify:
		case <-deadline.C:
			t.mu.Lock()
			partial := t.buf.String()
			t.mu.Unlock()
			names := make([]string, len(patterns))
			for i, p := range patterns {
				names[i] = p.String()
			}
			return nil, &TimeoutError{Partial: partial, Patterns: names, Waited: time.Since(start)}
		}
	}
}

// tryMatch 在当前缓冲上找最早命中的模式；命中后消费到匹配结束处
func (t *streamTransport) tryMatch(patterns []*regexp.Regexp) *Match {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.buf.String()
	if s == "" {
		return nil
	}
	best := -1
	bestLoc := []int{len(s) + 1, 0}
	for i, p := range patterns {
		loc := p.FindStringIndex(s)
		if loc == nil {
			continue
		}
		// 位置更早者胜出；并列时按传入顺序
		if loc[0] < bestLoc[0] {
			best = i
			bestLoc = loc
		}
	}
	if best < 0 {
		return nil
	}
	m := &Match{
		Index:  best,
		Before: s[:bestLoc[0]],
		Text:   s[bestLoc[0]:bestLoc[1]],
	}
	rest := s[bestLoc[1]:]
	t.buf.Reset()
	t.buf.WriteString(rest)
	return m
}

func (t *streamTransport) Drain(quiet time.Duration) string {
	var out strings.Builder
	for {
		t.mu.Lock()
		out.WriteString(t.buf.String())
		t.buf.Reset()
		done := t.err != nil || t.closed
		t.mu.Unlock()
		if done {
			return out.String()
		}
		select {
		case <-t.notify:
			// 有新数据到达，继续收集
		case <-time.After(quiet):
			return out.String()
		}
	}
}

func (t *streamTransport) Buffer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func (t *streamTransport) Close(force bool) error {
	if !force {
		// 温和关闭：给在途输出一个落盘窗口
		t.Drain(100 * time.Millisecond)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.wake()
	var err error
	if t.w != nil {
		err = t.w.Close()
	}
	if t.closer != nil {
		if cerr := t.closer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
