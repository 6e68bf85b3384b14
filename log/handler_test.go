package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWithFormatterText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithFormatter(&buf, &TextFormatter{}, INFO)
	logger.Info("listening", "addr", "127.0.0.1:9000")

	out := buf.String()
	if !strings.Contains(out, "listening") {
		t.Fatalf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "addr=127.0.0.1:9000") {
		t.Fatalf("expected field in output, got %q", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Fatalf("expected level in output, got %q", out)
	}
}

func TestNewWithFormatterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithFormatter(&buf, &JSONFormatter{}, WARN)
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Fatalf("info-level message leaked through: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("expected warn message in output, got %q", out)
	}
}

func TestFormatterHandlerModuleAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithFormatter(&buf, &TextFormatter{}, DEBUG).Module("watermark")
	logger.Debug("flushed", "pkh", "tz4abc")

	out := buf.String()
	if !strings.Contains(out, "module=watermark") {
		t.Fatalf("expected module attribute, got %q", out)
	}
	if !strings.Contains(out, "pkh=tz4abc") {
		t.Fatalf("expected pkh attribute, got %q", out)
	}
}
