package observe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerWithoutSpan(t *testing.T) {
	base := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := Logger(context.Background(), base); got != base {
		t.Error("Logger without a span should return the base logger")
	}
}

func TestProviderExportsSpans(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName: "test",
		Enabled:     true,
		Writer:      &out,
	}, logger)
	if err != nil {
		t.Fatalf("InitProvider failed: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "clip.dispatch")

	var logged bytes.Buffer
	Logger(ctx, slog.New(slog.NewTextHandler(&logged, nil))).Info("inside span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if !strings.Contains(out.String(), "clip.dispatch") {
		t.Errorf("exported spans missing clip.dispatch: %s", out.String())
	}
	if !strings.Contains(logged.String(), "trace_id=") {
		t.Errorf("log line missing trace_id: %s", logged.String())
	}
}
