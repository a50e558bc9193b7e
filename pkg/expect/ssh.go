package expect

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// DialOptions SSH 拨号参数
type DialOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// DialSSH 建立到控制台服务器的 SSH 连接并在 PTY shell 上返回通道
// 控制台服务器与老旧网络设备普遍只支持旧式算法，这里显式放开
func DialSSH(opts DialOptions) (Transport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	sshConfig := &ssh.ClientConfig{
		User:            opts.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.Timeout,
		Config: ssh.Config{
			// 支持旧版本的密钥交换算法
			KeyExchanges: []string{
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
			},
			// 支持旧版本的加密算法
			Ciphers: []string{
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"aes128-cbc",
				"aes192-cbc",
				"aes256-cbc",
				"3des-cbc",
			},
			// 支持旧版本的MAC算法
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		// 支持旧版本主机密钥算法
		HostKeyAlgorithms: []string{
			"ssh-rsa",
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}

	if opts.Password != "" {
		// 同时尝试 password 与 keyboard-interactive，提高与终端服务器的兼容性
		sshConfig.Auth = []ssh.AuthMethod{
			ssh.Password(opts.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = opts.Password
				}
				return answers, nil
			}),
		}
	}

	address := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	dialer := &net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SSH connection: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// 设置终端模式（启用回显，兼容网络设备CLI），并使用终端类型回退
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	var ptyErr error
	for _, term := range []string{"vt100", "xterm", "ansi", "dumb"} {
		if ptyErr = session.RequestPty(term, 24, 80, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to request pty: %w", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	closer := func() error {
		serr := session.Close()
		cerr := client.Close()
		if serr != nil {
			return serr
		}
		return cerr
	}
	return NewStreamTransport(stdout, stdin, closer), nil
}
