package logger

import (
	"bytes"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLevel(INFO)
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel(WARN)

	InfoCF("test", "hidden", nil)
	WarnCF("test", "visible", nil)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatal("info record emitted above WARN level")
	}
	if !strings.Contains(out, "visible") {
		t.Fatal("warn record missing")
	}
}

func TestFieldsAreSorted(t *testing.T) {
	buf := capture(t)

	InfoCF("worker", "job done", map[string]interface{}{
		"zeta":  1,
		"alpha": "x",
		"mid":   true,
	})

	out := buf.String()
	if !strings.Contains(out, "[worker] job done alpha=x mid=true zeta=1") {
		t.Fatalf("fields not sorted or formatted: %q", out)
	}
}

func TestLevelString(t *testing.T) {
	for l, want := range map[Level]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"} {
		if l.String() != want {
			t.Fatalf("Level(%d).String() = %q, want %q", int(l), l.String(), want)
		}
	}
}
