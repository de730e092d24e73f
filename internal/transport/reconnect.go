package transport

import (
	"context"

	"github.com/cmmvio/umicp-go/internal/logging"
	"github.com/cmmvio/umicp-go/internal/util"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// ConnectWithRetry dials t with exponential backoff. Only transient
// failures (NETWORK_ERROR, TIMEOUT) are retried; anything else, a bad
// TLS configuration for example, fails immediately.
func ConnectWithRetry(ctx context.Context, t Transport, cfg *util.RetryConfig) error {
	if cfg == nil {
		cfg = util.DefaultRetryConfig()
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool {
			switch types.CodeOf(err) {
			case types.CodeNetworkError, types.CodeTimeout:
				return true
			}
			return false
		}
	}

	result := util.Retry(ctx, cfg, func() error {
		err := t.Connect(ctx)
		if err != nil {
			logging.Debug("connect attempt failed",
				logging.Component("transport"),
				"endpoint", t.Endpoint(),
				logging.Err(err))
		}
		return err
	})
	return result.LastError
}
