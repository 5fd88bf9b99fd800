package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewParsesLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "bogus", ""} {
		l, err := New(Config{Level: level, Format: "json", Output: "stderr"})
		if err != nil {
			t.Fatalf("level %q: %v", level, err)
		}
		if l == nil {
			t.Fatalf("level %q: nil logger", level)
		}
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.log")
	l, err := New(Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hello", "uid", 42)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line not json: %v", err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["uid"] != float64(42) {
		t.Errorf("uid = %v", entry["uid"])
	}
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	base.Index().Info("indexed")
	base.Maildir().Info("scanned")
	base.Dsync().Info("synced")

	out := buf.String()
	for _, component := range []string{"index", "maildir", "dsync"} {
		if !strings.Contains(out, `"component":"`+component+`"`) {
			t.Errorf("missing component %q in %s", component, out)
		}
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	base := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	base.WithError(nil).Info("clean")
	if strings.Contains(buf.String(), "error") {
		t.Error("nil error attached")
	}
	buf.Reset()
	base.WithError(os.ErrNotExist).Warn("dirty")
	if !strings.Contains(buf.String(), "file does not exist") {
		t.Errorf("error not attached: %s", buf.String())
	}
}
