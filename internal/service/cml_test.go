package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
)

// fakeCML 模拟 CML 控制器 REST 端
func fakeCML(t *testing.T, authCount *int, expireFirstToken bool) (*httptest.Server, config.CMLConfig) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/authenticate", func(w http.ResponseWriter, r *http.Request) {
		*authCount++
		w.Write([]byte(`"token-` + strconv.Itoa(*authCount) + `"`))
	})
	checkAuth := func(w http.ResponseWriter, r *http.Request) bool {
		got := r.Header.Get("Authorization")
		if expireFirstToken && got == "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}
	mux.HandleFunc("/api/v0/labs", func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode([]string{"lab-1"})
	})
	mux.HandleFunc("/api/v0/labs/lab-1/nodes", func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode([]string{"n0", "n1"})
	})
	mux.HandleFunc("/api/v0/labs/lab-1/nodes/n0", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"label": "R1", "node_definition": "iosv", "state": "BOOTED",
		})
	})
	mux.HandleFunc("/api/v0/labs/lab-1/nodes/n1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"label": "SW1", "node_definition": "iosvl2", "state": "BOOTED",
		})
	})
	mux.HandleFunc("/api/v0/labs/lab-1/nodes/n0/keys/console", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("line"))
		w.Write([]byte(`"SECRET123"`))
	})
	mux.HandleFunc("/api/v0/labs/lab-1/nodes/n0/console_logs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("lines"))
		w.Write([]byte(`"Booting...\r\nR1>"`))
	})

	ts := httptest.NewTLSServer(mux)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())
	cfg := config.CMLConfig{
		Host:       u.Hostname(),
		APIPort:    port,
		Username:   "admin",
		Password:   "secret",
		APITimeout: 5 * time.Second,
	}
	return ts, cfg
}

func TestCMLClientNodeLookupAndConsoleKey(t *testing.T) {
	auths := 0
	ts, cfg := fakeCML(t, &auths, false)
	defer ts.Close()

	c := NewCMLClient(cfg)
	ctx := context.Background()

	node, err := c.GetNodeByLabel(ctx, "lab-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "n0", node.ID)
	assert.Equal(t, "iosv", node.Definition)

	key, err := c.GetConsoleKey(ctx, "lab-1", node.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "SECRET123", key)

	// 令牌复用，认证只发生一次
	assert.Equal(t, 1, auths)
}

func TestCMLClientReauthOn401(t *testing.T) {
	auths := 0
	ts, cfg := fakeCML(t, &auths, true)
	defer ts.Close()

	c := NewCMLClient(cfg)
	labs, err := c.GetLabs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lab-1"}, labs)
	// 第一枚令牌被拒绝后重认证一次
	assert.Equal(t, 2, auths)
}

func TestCMLClientUnknownNode(t *testing.T) {
	auths := 0
	ts, cfg := fakeCML(t, &auths, false)
	defer ts.Close()

	c := NewCMLClient(cfg)
	_, err := c.GetNodeByLabel(context.Background(), "lab-1", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestCMLClientConsoleLogs(t *testing.T) {
	auths := 0
	ts, cfg := fakeCML(t, &auths, false)
	defer ts.Close()

	c := NewCMLClient(cfg)
	log, err := c.GetNodeConsoleLogs(context.Background(), "lab-1", "n0", 50)
	require.NoError(t, err)
	assert.Contains(t, log, "Booting")
}
