package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	slog.New(h).Debug("container renamed", "id", "abc123")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode json log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "container renamed" || rec["id"] != "abc123" {
		t.Fatalf("unexpected record %v", rec)
	}

	buf.Reset()
	h, err = NewHandler(&buf, "", "")
	if err != nil {
		t.Fatalf("NewHandler() defaults error = %v", err)
	}
	log := slog.New(h)
	log.Debug("hidden")
	log.Info("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("unexpected text output %q", out)
	}
}

func TestNewHandlerRejectsUnknown(t *testing.T) {
	if _, err := NewHandler(&bytes.Buffer{}, "verbose", "text"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewHandler(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
