package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// syncBuffer is a goroutine-safe bytes.Buffer for capturing slog output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCaptureLogger() (*syncBuffer, *slog.Logger) {
	buf := &syncBuffer{}
	return buf, slog.New(slog.NewJSONHandler(buf, nil))
}

func TestNew_NilContextRejected(t *testing.T) {
	if _, err := New(nil, nil); err == nil { //nolint:staticcheck
		t.Fatal("expected error for nil context")
	}
}

func TestLog_FlushedOnClose(t *testing.T) {
	buf, slogger := newCaptureLogger()

	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id := uuid.New()
	l.Log(RequestLog{
		ID:           id,
		Model:        "gemini-2.5-pro",
		KeyDigest:    "AIzaSyAB...",
		InputTokens:  10,
		OutputTokens: 20,
		LatencyMs:    150,
		Status:       200,
		Cached:       true,
		CreatedAt:    time.Now(),
	})

	// Close drains the channel and flushes the final batch.
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, id.String()) {
		t.Fatalf("flushed output missing entry ID:\n%s", out)
	}

	var line struct {
		Model     string `json:"model"`
		Key       string `json:"key"`
		Status    uint64 `json:"status"`
		Cached    bool   `json:"cached"`
		Coalesced bool   `json:"coalesced"`
	}
	if err := json.Unmarshal([]byte(out[:strings.IndexByte(out, '\n')]), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line.Model != "gemini-2.5-pro" || line.Key != "AIzaSyAB..." || line.Status != 200 || !line.Cached || line.Coalesced {
		t.Errorf("unexpected log line fields: %+v", line)
	}
}

func TestLog_BatchFlushWithoutClose(t *testing.T) {
	buf, slogger := newCaptureLogger()

	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	// One full batch triggers an immediate flush, no ticker needed.
	for i := 0; i < batchSize; i++ {
		l.Log(RequestLog{ID: uuid.New(), Model: "gemini-pro", Status: 200})
	}

	deadline := time.Now().Add(2 * time.Second)
	for strings.Count(buf.String(), "\n") < batchSize {
		if time.Now().After(deadline) {
			t.Fatalf("batch never flushed: %d lines", strings.Count(buf.String(), "\n"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLog_NeverBlocksWhenFull(t *testing.T) {
	_, slogger := newCaptureLogger()

	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatal(err)
	}

	// Stop the consumer so the channel can actually fill up.
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < channelBuffer+50; i++ {
			l.Log(RequestLog{ID: uuid.New()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked on a full channel")
	}

	if l.DroppedLogs() == 0 {
		t.Error("overflow entries should be counted as dropped")
	}
}

func TestClose_Idempotent(t *testing.T) {
	_, slogger := newCaptureLogger()

	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}
