package app

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/config"
	"herald/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Database.Path = filepath.Join(t.TempDir(), "herald.db")
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Store = "floppy"

	a, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Nil(t, a)
}

func TestNew_RedisStoreRequiresURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Store = "redis"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestApplication_StartServeStop(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	base := "http://" + a.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws, _, err := gorilla.DefaultDialer.Dial("ws://"+a.Addr()+"/ws?user_id=alice", nil)
	require.NoError(t, err)
	defer ws.Close()

	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, types.EnvelopeConnectionEstablished, env.Type)

	resp, err = http.Post(base+"/api/notifications", "application/json",
		strings.NewReader(`{"user_id":"alice","kind":"security_alert","title":"new login"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, types.EnvelopeNewNotification, env.Type)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx))

	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "connections are closed on stop")
}

func TestRun_StopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, a) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + a.Addr() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
