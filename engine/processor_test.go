package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/iris/catalog"
	"github.com/c360/iris/errors"
	"github.com/c360/iris/message"
)

func TestNewProcessor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	tests := []struct {
		name    string
		want    any
		wantErr bool
	}{
		{ProcessorCount, &CountProcessor{}, false},
		{ProcessorConsole, &ConsoleProcessor{}, false},
		{ProcessorNone, nil, false},
		{"", nil, false},
		{"graph", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProcessor(tt.name, catalog.NewDefault(), time.Second, logger)
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, p)
			} else {
				assert.IsType(t, tt.want, p)
			}
		})
	}
}

func TestCountProcessor_Report(t *testing.T) {
	var logs bytes.Buffer
	p := NewCountProcessor(2*time.Second, slog.New(slog.NewTextHandler(&logs, nil)))

	for i := 0; i < 10; i++ {
		p.Process(&message.Event{})
	}
	p.report()
	assert.Equal(t, uint64(10), p.Count())
	assert.Contains(t, logs.String(), "Processed events")
	assert.Contains(t, logs.String(), "total=10 since_last=10 per_second=5")

	logs.Reset()
	p.Process(&message.Event{})
	p.report()
	assert.Contains(t, logs.String(), "total=11 since_last=1")
}

func TestCountProcessor_RunStopsWithContext(t *testing.T) {
	p := NewCountProcessor(time.Millisecond, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConsoleProcessor(t *testing.T) {
	var logs bytes.Buffer
	p := NewConsoleProcessor(catalog.NewDefault(), slog.New(slog.NewTextHandler(&logs, nil)))

	p.Process(&message.Event{Timestamp: 1_250_000_000, EventType: 0x0101, CPUID: 2, Payload: make([]byte, 56)})
	out := logs.String()
	assert.Contains(t, out, `event="BOOT::GDT_LOADED (0x0101)"`)
	assert.Contains(t, out, "cpu=2")
	assert.Contains(t, out, "time=1.250000000s")
	assert.Contains(t, out, "payload_bytes=56")

	logs.Reset()
	p.Process(&message.Event{EventType: 0xBEEF})
	assert.Contains(t, logs.String(), "UNKNOWN::EVENT_0xbeef")
}
