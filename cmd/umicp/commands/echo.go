package commands

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmmvio/umicp-go/internal/metrics"
	"github.com/cmmvio/umicp-go/internal/protocol"
	"github.com/cmmvio/umicp-go/internal/transport"
	"github.com/cmmvio/umicp-go/pkg/types"
)

// NewEchoCmd runs two in-process peers end to end: one sends control
// and data messages, the other acknowledges everything it receives.
func NewEchoCmd() *cobra.Command {
	var (
		payloadSize int
		count       int
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a local echo exchange between two peers",
		Long:  "Connects two protocol instances over an in-process transport, sends control and data messages, and reports the acknowledged round trips.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			cfg.RequireAuth = false

			return runEcho(cmd, cfg, payloadSize, count, showMetrics)
		},
	}

	cmd.Flags().IntVar(&payloadSize, "payload-size", 256*1024, "Size of each data payload in bytes")
	cmd.Flags().IntVar(&count, "count", 3, "Number of data messages to send")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print the collected metrics as JSON")
	return cmd
}

func runEcho(cmd *cobra.Command, cfg types.UMICPConfig, payloadSize, count int, showMetrics bool) error {
	sender, err := protocol.New("sender", cfg)
	if err != nil {
		return err
	}
	defer sender.Close()

	echo, err := protocol.New("echo", cfg)
	if err != nil {
		return err
	}
	defer echo.Close()

	collector := metrics.NewPrometheusCollector(metrics.NewCollector())
	sender.SetObserver(collector)

	ts, te := transport.NewPipe("sender", "echo", cfg)
	sender.SetTransport(ts)
	echo.SetTransport(te)
	if err := ts.Connect(context.Background()); err != nil {
		return err
	}
	defer ts.Disconnect()
	if err := te.Connect(context.Background()); err != nil {
		return err
	}
	defer te.Disconnect()

	// The echo peer acknowledges every completed transfer.
	echo.RegisterHandler(types.OpData, func(env *types.Envelope, payload []byte) {
		if err := echo.SendAck(env.From, env.MessageID); err != nil {
			cmd.PrintErrf("ack failed: %v\n", err)
		}
	})
	echo.RegisterHandler(types.OpControl, func(env *types.Envelope, _ []byte) {
		if err := echo.SendAck(env.From, env.MessageID); err != nil {
			cmd.PrintErrf("ack failed: %v\n", err)
		}
	})

	var mu sync.Mutex
	acked := make(map[string]bool)
	sender.RegisterHandler(types.OpAck, func(env *types.Envelope, _ []byte) {
		for _, ref := range env.PayloadRefs {
			mu.Lock()
			acked[ref["message_id"]] = true
			mu.Unlock()
		}
	})

	start := time.Now()
	pending := make([]string, 0, count+1)

	id, err := sender.SendControl("echo", "hello", map[string]string{"mode": "echo"})
	if err != nil {
		return err
	}
	pending = append(pending, id)

	payload := make([]byte, payloadSize)
	for i := 0; i < count; i++ {
		if _, err := rand.Read(payload); err != nil {
			return err
		}
		id, err := sender.SendData("echo", payload, &types.PayloadHint{
			Type: types.PayloadBinary,
			Size: uint64(len(payload)),
		})
		if err != nil {
			return err
		}
		pending = append(pending, id)
	}

	deadline := time.Now().Add(cfg.ConnectionTimeout)
	for {
		mu.Lock()
		done := len(acked) == len(pending)
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			return types.NewError(types.CodeTimeout, "echo round trips not acknowledged in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := sender.Stats()
	cmd.Printf("acknowledged %d messages in %s\n", len(pending), time.Since(start).Round(time.Millisecond))
	cmd.Printf("sent: %d messages, %d frames, %d bytes\n", stats.MessagesSent, stats.FramesSent, stats.BytesSent)
	cmd.Printf("received: %d messages, %d bytes\n", stats.MessagesReceived, stats.BytesReceived)

	if showMetrics {
		data, err := collector.Collector().GetMetricsJSON()
		if err != nil {
			return err
		}
		cmd.Println(string(data))
	}
	return nil
}
