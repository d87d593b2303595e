package trust

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/loanpilot/formgate/pkg/infra/backend"
)

// BehaviorCollector accumulates lightweight activity counters since session
// start. Counters only ever grow; Reset is for session teardown.
type BehaviorCollector struct {
	mu      sync.Mutex
	metrics backend.BehavioralMetrics
}

func NewBehaviorCollector() *BehaviorCollector {
	return &BehaviorCollector{}
}

func (c *BehaviorCollector) Record(m backend.BehavioralMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MouseEvents += m.MouseEvents
	c.metrics.KeyboardEvents += m.KeyboardEvents
	c.metrics.ScrollEvents += m.ScrollEvents
	c.metrics.ClickEvents += m.ClickEvents
}

func (c *BehaviorCollector) Snapshot() backend.BehavioralMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *BehaviorCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = backend.BehavioralMetrics{}
}

// ParseTelemetryHeader decodes the activity counters the frontend ships in
// its telemetry header: base64-wrapped zlib-compressed JSON.
func ParseTelemetryHeader(value string) (backend.BehavioralMetrics, error) {
	var metrics backend.BehavioralMetrics

	compressed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return metrics, fmt.Errorf("failed to decode telemetry header: %w", err)
	}

	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return metrics, fmt.Errorf("failed to decompress telemetry header: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, 4096))
	if err != nil {
		return metrics, fmt.Errorf("failed to read telemetry payload: %w", err)
	}

	if err := json.Unmarshal(data, &metrics); err != nil {
		return metrics, fmt.Errorf("failed to unmarshal telemetry payload: %w", err)
	}
	return metrics, nil
}

// EncodeTelemetry is the inverse of ParseTelemetryHeader, used by tests and
// the demo client.
func EncodeTelemetry(metrics backend.BehavioralMetrics) (string, error) {
	data, err := json.Marshal(metrics)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
