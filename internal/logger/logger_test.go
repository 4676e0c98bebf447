package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[i]), &payload))
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestNew_InjectsServiceAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	log := New("booking-saga", &buf)

	log.Info("saga started")

	payload := decodeLastLogLine(t, &buf)
	assert.Equal(t, "booking-saga", payload["service"])
	assert.Equal(t, "info", payload["level"])
	assert.Equal(t, "saga started", payload["message"])
	assert.NotNil(t, payload["timestamp"])
}

func TestNew_DropsDebug(t *testing.T) {
	var buf bytes.Buffer
	New("booking-saga", &buf).Debug("noise")
	assert.Empty(t, buf.String())
}

func TestWithContext_InjectsSpan(t *testing.T) {
	var buf bytes.Buffer
	log := New("booking-saga", &buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	log.WithContext(ctx).Info("transition committed")

	payload := decodeLastLogLine(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", payload["traceID"])
	assert.Equal(t, "00f067aa0ba902b7", payload["spanID"])
}

func TestWithContext_WithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	log := New("booking-saga", &buf)

	log.WithContext(context.Background()).Info("no span")

	payload := decodeLastLogLine(t, &buf)
	assert.NotContains(t, payload, "traceID")
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("booking-saga", &buf).
		WithFields(map[string]interface{}{"saga_id": "s1", "state": "RoomReserving"}).
		WithError(errors.New("broker unavailable"))

	log.Warnf("publish failed", map[string]interface{}{"topic": "booking.room.reserve"})

	payload := decodeLastLogLine(t, &buf)
	assert.Equal(t, "s1", payload["saga_id"])
	assert.Equal(t, "RoomReserving", payload["state"])
	assert.Equal(t, "broker unavailable", payload["error"])
	assert.Equal(t, "booking.room.reserve", payload["topic"])
	assert.Equal(t, "warn", payload["level"])
}

func TestNewFromConfig(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewFromConfig("booking-saga", "debug", "json", &buf)
	require.NoError(t, err)

	log.WithComponent("scheduler").Debug("timer armed")
	payload := decodeLastLogLine(t, &buf)
	assert.Equal(t, "debug", payload["level"])
	assert.Equal(t, "scheduler", payload["component"])

	_, err = NewFromConfig("booking-saga", "loud", "json", &buf)
	assert.Error(t, err)

	_, err = NewFromConfig("booking-saga", "info", "xml", &buf)
	assert.Error(t, err)
}

func TestNewFromConfig_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewFromConfig("booking-saga", "info", "console", &buf)
	require.NoError(t, err)

	log.Info("human readable")
	assert.Contains(t, buf.String(), "human readable")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
