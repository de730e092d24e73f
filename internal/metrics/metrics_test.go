package metrics

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/cmmvio/umicp-go/pkg/types"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.MessageSent(types.OpControl, 100)
	c.MessageSent(types.OpData, 5000)
	c.MessageSent(types.OpData, 5000)
	c.MessageReceived(types.OpAck, 80)
	c.ErrorRecorded(types.CodeInvalidEnvelope)
	c.ErrorRecorded(types.CodeInvalidEnvelope)
	c.PanicRecovered()

	m := c.GetMetrics()
	if m.MessagesSent["control"] != 1 || m.MessagesSent["data"] != 2 {
		t.Errorf("sent = %v", m.MessagesSent)
	}
	if m.MessagesReceived["ack"] != 1 {
		t.Errorf("received = %v", m.MessagesReceived)
	}
	if m.BytesSent != 10100 || m.BytesReceived != 80 {
		t.Errorf("bytes = %d/%d", m.BytesSent, m.BytesReceived)
	}
	if m.Errors["INVALID_ENVELOPE"] != 2 {
		t.Errorf("errors = %v", m.Errors)
	}
	if m.HandlerPanics != 1 {
		t.Errorf("panics = %d", m.HandlerPanics)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.MessageSent(types.OpData, 10)
				c.ErrorRecorded(types.CodeTimeout)
			}
		}()
	}
	wg.Wait()

	m := c.GetMetrics()
	if m.MessagesSent["data"] != 800 {
		t.Errorf("sent = %d, want 800", m.MessagesSent["data"])
	}
	if m.Errors["TIMEOUT"] != 800 {
		t.Errorf("errors = %d, want 800", m.Errors["TIMEOUT"])
	}
	if m.BytesSent != 8000 {
		t.Errorf("bytes sent = %d, want 8000", m.BytesSent)
	}
}

func TestMetricsJSON(t *testing.T) {
	c := NewCollector()
	c.MessageSent(types.OpControl, 42)

	data, err := c.GetMetricsJSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded Metrics
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.MessagesSent["control"] != 1 || decoded.BytesSent != 42 {
		t.Errorf("decoded = %+v", decoded)
	}
}
