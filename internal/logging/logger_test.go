package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("orders", &buf).WithCorrelation("corr-1").WithOrder("order-1")

	logger.Info().Str("step", "reserve").Msg("step started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "orders" {
		t.Fatalf("service field = %v", entry["service"])
	}
	if entry["correlationId"] != "corr-1" {
		t.Fatalf("correlationId field = %v", entry["correlationId"])
	}
	if entry["orderId"] != "order-1" {
		t.Fatalf("orderId field = %v", entry["orderId"])
	}
	if entry["step"] != "reserve" {
		t.Fatalf("step field = %v", entry["step"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp field")
	}
}

func TestLogger_EmptyCorrelationIsNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := New("orders", &buf)
	if logger.WithCorrelation("") != logger {
		t.Fatalf("empty correlation should return the same logger")
	}
}
