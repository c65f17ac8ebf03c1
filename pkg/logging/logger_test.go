package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestFatalfLogsAndCallsExitFunc(t *testing.T) {
	var buf bytes.Buffer
	var exitCode int
	exited := false

	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.ExitFunc = func(code int) {
		exited = true
		exitCode = code
	}
	log := NewLogger(cfg)

	log.Fatalf("invariant violated: %s", "used_bits exceeds capacity")

	if !exited {
		t.Fatalf("expected exitFunc to be called")
	}
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	if !strings.Contains(buf.String(), "invariant violated") {
		t.Fatalf("expected fatal message in output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[FATAL]") {
		t.Fatalf("expected FATAL level tag in output, got %q", buf.String())
	}
}

func TestFieldLoggerFatalCallsExitFunc(t *testing.T) {
	var buf bytes.Buffer
	exited := false

	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.ExitFunc = func(int) { exited = true }
	log := NewLogger(cfg)

	log.WithField("component", "filtercache").Fatal("cache invariant violated")

	if !exited {
		t.Fatalf("expected exitFunc to be called")
	}
	if !strings.Contains(buf.String(), "component=filtercache") {
		t.Fatalf("expected bound field in output, got %q", buf.String())
	}
}

func TestParseLogLevelAcceptsFatal(t *testing.T) {
	lvl, err := ParseLogLevel("fatal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lvl != FatalLevel {
		t.Fatalf("expected FatalLevel, got %v", lvl)
	}
}
