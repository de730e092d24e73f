package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cmmvio/umicp-go/internal/logging"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// Global flag values shared by every command.
var (
	ConfigPath string
	LogLevel   string
)

// setup applies the global flags: log level and configuration file.
func setup() (types.UMICPConfig, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(LogLevel)); err != nil {
		return types.UMICPConfig{}, fmt.Errorf("invalid log level %q: %w", LogLevel, err)
	}
	logging.SetTextOutput(os.Stderr)
	logging.SetLevel(level)

	if ConfigPath == "" {
		return types.DefaultConfig(), nil
	}
	return types.LoadConfig(ConfigPath)
}
