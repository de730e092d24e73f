package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cmmvio/umicp-go/internal/util"
	"github.com/cmmvio/umicp-go/pkg/types"
)

func TestConnectWithRetryEventualSuccess(t *testing.T) {
	srv := httptest.NewUnstartedServer(echoHandler(t))
	srv.Start()
	defer srv.Close()

	ws := NewWebSocket(wsConfig(t, srv, nil), types.DefaultConfig())
	cfg := &util.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
	if err := ConnectWithRetry(context.Background(), ws, cfg); err != nil {
		t.Fatal(err)
	}
	defer ws.Disconnect()

	if !ws.IsConnected() {
		t.Error("not connected after retry")
	}
}

func TestConnectWithRetryExhaustsBudget(t *testing.T) {
	cfg := types.DefaultTransportConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	global := types.DefaultConfig()
	global.ConnectionTimeout = time.Second

	ws := NewWebSocket(cfg, global)
	attemptsBudget := &util.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
	if err := ConnectWithRetry(context.Background(), ws, attemptsBudget); err == nil {
		t.Fatal("expected failure when nothing listens")
	}
	if ws.IsConnected() {
		t.Error("connected after exhausted retries")
	}
}
