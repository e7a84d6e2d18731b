package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	if logger := New("", "text"); logger == nil {
		t.Fatal("nil logger for default level")
	}

	dbg := New("debug", "text")
	if !dbg.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logger should enable debug records")
	}

	errOnly := New("error", "text")
	if errOnly.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("error logger should suppress info records")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("nil logger for json format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("request id on a bare context = %q, want empty", id)
	}

	ctx = WithRequestID(ctx, "delivery-7f3a")
	if id := RequestID(ctx); id != "delivery-7f3a" {
		t.Errorf("request id = %q, want delivery-7f3a", id)
	}

	// A later value shadows the earlier one.
	ctx = WithRequestID(ctx, "delivery-9c01")
	if id := RequestID(ctx); id != "delivery-9c01" {
		t.Errorf("request id = %q, want delivery-9c01", id)
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) == nil {
		t.Fatal("expected default logger on a bare context")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("context logger not returned")
	}
}

func TestL(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("nil logger without request id")
	}

	ctx = WithRequestID(ctx, "delivery-11ab")
	if L(ctx) == nil {
		t.Fatal("nil logger with request id")
	}
}
