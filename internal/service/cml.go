package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

var (
	// ErrUnauthorized 认证被 CML 控制器拒绝
	ErrUnauthorized = errors.New("cml: unauthorized")
	// ErrNodeNotFound 实验室中不存在指定标签的节点
	ErrNodeNotFound = errors.New("cml: node not found")
)

// CMLClient CML 控制器 REST 客户端
// 负责认证、拓扑查询与控制台密钥签发；令牌过期时自动重认证一次
type CMLClient struct {
	cfg        config.CMLConfig
	httpClient *http.Client
	mutex      sync.Mutex
	token      string
}

// CMLNode 拓扑节点
type CMLNode struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Definition string `json:"node_definition"`
	State      string `json:"state"`
}

// CMLLab 实验室概要
type CMLLab struct {
	ID    string `json:"id"`
	Title string `json:"lab_title"`
	State string `json:"state"`
}

// NewCMLClient 创建客户端；VerifyTLS 关闭时跳过证书校验（实验室自签证书）
func NewCMLClient(cfg config.CMLConfig) *CMLClient {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}
	return &CMLClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.APITimeout,
			Transport: transport,
		},
	}
}

func (c *CMLClient) baseURL() string {
	return fmt.Sprintf("https://%s:%d/api/v0", c.cfg.Host, c.cfg.APIPort)
}

// authenticate 获取 bearer 令牌；接口返回带引号的裸字符串
func (c *CMLClient) authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/authenticate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach CML controller: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("CML authentication failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	c.token = strings.Trim(strings.TrimSpace(string(data)), `"`)
	logger.Debug("CML authentication succeeded")
	return nil
}

// do 执行带令牌的请求；401 时重认证一次后重放
func (c *CMLClient) do(ctx context.Context, method, path string, out interface{}) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.token == "" {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}

	attempt := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		return c.httpClient.Do(req)
	}

	resp, err := attempt()
	if err != nil {
		return fmt.Errorf("CML request failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		resp, err = attempt()
		if err != nil {
			return fmt.Errorf("CML request failed after re-auth: %w", err)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("CML resource not found: %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("CML request %s returned %s: %s", path, resp.Status, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if sp, ok := out.(*string); ok {
		// 文本端点（控制台密钥）返回带引号的字符串
		*sp = strings.Trim(strings.TrimSpace(string(data)), `"`)
		return nil
	}
	return json.Unmarshal(data, out)
}

// GetLabs 列出实验室标识
func (c *CMLClient) GetLabs(ctx context.Context) ([]string, error) {
	var labs []string
	if err := c.do(ctx, http.MethodGet, "/labs", &labs); err != nil {
		return nil, err
	}
	return labs, nil
}

// GetLab 查询实验室概要
func (c *CMLClient) GetLab(ctx context.Context, labID string) (*CMLLab, error) {
	var lab CMLLab
	if err := c.do(ctx, http.MethodGet, "/labs/"+labID, &lab); err != nil {
		return nil, err
	}
	lab.ID = labID
	return &lab, nil
}

// GetNodes 列出实验室节点（携带标签与节点定义）
func (c *CMLClient) GetNodes(ctx context.Context, labID string) ([]CMLNode, error) {
	var ids []string
	if err := c.do(ctx, http.MethodGet, "/labs/"+labID+"/nodes", &ids); err != nil {
		return nil, err
	}
	nodes := make([]CMLNode, 0, len(ids))
	for _, id := range ids {
		var node CMLNode
		if err := c.do(ctx, http.MethodGet, "/labs/"+labID+"/nodes/"+id, &node); err != nil {
			return nil, err
		}
		node.ID = id
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// GetNodeByLabel 按节点标签查找（大小写不敏感）
func (c *CMLClient) GetNodeByLabel(ctx context.Context, labID, label string) (*CMLNode, error) {
	nodes, err := c.GetNodes(ctx, labID)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(label))
	for i := range nodes {
		if strings.ToLower(nodes[i].Label) == want {
			return &nodes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q in lab %s", ErrNodeNotFound, label, labID)
}

// GetConsoleKey 签发控制台连接密钥；line 为串口线号
// 密钥单会话单次使用，不做任何缓存
func (c *CMLClient) GetConsoleKey(ctx context.Context, labID, nodeID string, line int) (string, error) {
	var key string
	path := fmt.Sprintf("/labs/%s/nodes/%s/keys/console?line=%d", labID, nodeID, line)
	if err := c.do(ctx, http.MethodGet, path, &key); err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("console key for node %s line %d is empty", nodeID, line)
	}
	return key, nil
}

// GetNodeConsoleLogs 读取节点控制台缓冲日志（诊断用）
func (c *CMLClient) GetNodeConsoleLogs(ctx context.Context, labID, nodeID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	var out string
	path := fmt.Sprintf("/labs/%s/nodes/%s/console_logs?lines=%d", labID, nodeID, lines)
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return "", err
	}
	return out, nil
}
