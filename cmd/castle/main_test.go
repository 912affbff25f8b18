package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"

	"castle-stream/internal/config"
)

func TestPrintBanner_ContainsExpectedFields(t *testing.T) {
	cfg := &config.Config{K: 5, L: 1, Delta: 20, Beta: 50, SinkMode: "stdout", ManagementPort: 8081}

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printBanner(cfg)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r) //nolint:errcheck

	out := buf.String()
	for _, want := range []string{"5", "20", "50", "stdout", "8081"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in banner output, got:\n%s", want, out)
		}
	}
}

func TestPrintBanner_ZeroValueDoesNotPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("printBanner panicked: %v", r)
		}
	}()
	old := os.Stdout
	_, w, _ := os.Pipe()
	os.Stdout = w
	printBanner(&config.Config{})
	w.Close()
	os.Stdout = old
}

func TestBuildSink_UnknownModeErrors(t *testing.T) {
	cfg := &config.Config{SinkMode: "carrier-pigeon"}
	if _, _, err := buildSink(cfg, nil); err == nil {
		t.Error("expected an error for an unknown sink mode")
	}
}

func TestBuildSink_StdoutDefault(t *testing.T) {
	cfg := &config.Config{SinkMode: ""}
	s, closeFn, err := buildSink(cfg, nil)
	if err != nil {
		t.Fatalf("buildSink: %v", err)
	}
	if s == nil {
		t.Fatal("expected a non-nil engine sink")
	}
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}
}

// TestMain_Smoke is a self-referential sanity check; main() itself starts
// network listeners and blocks, so it cannot be called directly from a test.
func TestMain_Smoke(t *testing.T) {
	if fmt.Sprintf("%T", main) != "func()" {
		t.Error("expected main to be func()")
	}
}
