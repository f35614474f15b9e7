package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("pool opened", "asset", "SOL")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "asset"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing key %q in %v", key, line)
		}
	}
	if line["severity"] != "INFO" {
		t.Fatalf("unexpected severity %v", line["severity"])
	}
}

func TestHandlerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, ParseLevel("warn")))
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
}

func TestWriterRotatesToFile(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "cdpd.log")
	w, closer := Options{File: path, MaxSizeMB: 1}.Writer(&stdout)
	if closer == nil {
		t.Fatalf("expected closer for file output")
	}
	if _, err := w.Write([]byte("line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stdout.String() != "line\n" {
		t.Fatalf("stdout copy missing")
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("secret", "hunter2"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected redaction, got %s", attr.Value.String())
	}
	if attr := MaskField("asset", "SOL"); attr.Value.String() != "SOL" {
		t.Fatalf("plain key must pass through")
	}
	if attr := MaskField("auth_secret", ""); attr.Value.String() != "" {
		t.Fatalf("empty values stay empty")
	}
}

func TestHandlerRedactsCredentialKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("request",
		"Authorization", "Bearer abc",
		"hmac_secret", "hunter2",
		"X-CDP-Signature", "0xdead",
		"owner", "cdp1owner",
		"asset", "SOL",
		"attempts", 3,
	)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"Authorization", "hmac_secret", "X-CDP-Signature"} {
		if line[key] != RedactedValue {
			t.Fatalf("%s leaked: %v", key, line[key])
		}
	}
	if line["owner"] != "cdp1owner" || line["asset"] != "SOL" || line["attempts"] != float64(3) {
		t.Fatalf("plain attributes altered: %v", line)
	}
}
