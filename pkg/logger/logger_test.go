package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Default()
	SetLogger(New(&buf, level))
	t.Cleanup(func() { SetLogger(prev) })
	return &buf
}

func TestInfoWritesFields(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Info(context.Background(), "star received", Fields{
		"repo": "octo/widgets",
		"user": "alice",
	})

	output := buf.String()
	for _, want := range []string{"level=INFO", `msg="star received"`, "repo=octo/widgets", "user=alice", "instance="} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}

func TestSourceIsShortened(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Info(context.Background(), "where am i", nil)

	output := buf.String()
	if !strings.Contains(output, "logger.go:") {
		t.Errorf("source not shortened to basename: %s", output)
	}
	if strings.Contains(output, "/pkg/logger/") {
		t.Errorf("source still carries directory: %s", output)
	}
}

func TestErrorIncludesError(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Error(context.Background(), "reconcile failed", errors.New("boom"), Fields{"repo": "octo/widgets"})

	output := buf.String()
	if !strings.Contains(output, "level=ERROR") {
		t.Error("ERROR level not found")
	}
	if !strings.Contains(output, "error=boom") {
		t.Errorf("error field not found: %s", output)
	}
}

func TestErrorNilError(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Error(context.Background(), "no cause", nil, nil)

	if !strings.Contains(buf.String(), `msg="no cause"`) {
		t.Error("message not found")
	}
}

func TestDebugFilteredByLevel(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Debug(context.Background(), "hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("debug record written at info level: %s", buf.String())
	}

	buf = capture(t, slog.LevelDebug)
	Debug(context.Background(), "visible", nil)
	if !strings.Contains(buf.String(), "level=DEBUG") {
		t.Errorf("debug record missing at debug level: %s", buf.String())
	}
}

func TestWarnLogger(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Warn(context.Background(), "signature mismatch", Fields{"repo": "octo/widgets"})

	if !strings.Contains(buf.String(), "level=WARN") {
		t.Error("WARN level not found")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "loud", want: slog.LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOr(t *testing.T) {
	custom := New(&bytes.Buffer{}, slog.LevelInfo)
	if Or(custom) != custom {
		t.Error("Or should return the provided logger")
	}
	if Or(nil) != Default() {
		t.Error("Or(nil) should return the default logger")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview([]byte("short"), 10); got != "short" {
		t.Errorf("Preview() = %q", got)
	}
	got := Preview([]byte(strings.Repeat("x", 300)), 200)
	if !strings.HasPrefix(got, strings.Repeat("x", 200)) || !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("Preview() = %q", got)
	}
}
