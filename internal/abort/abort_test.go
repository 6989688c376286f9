package abort

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestFatalLogsFlushesAndExits(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	defer SetLogger(nil)

	flushed := 0
	RegisterFlusher(func() { flushed++ })
	defer func() {
		flushMu.Lock()
		flushers = nil
		flushMu.Unlock()
	}()

	var code int
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Fatal returned without panicking when exit was stubbed")
			}
		}()
		Fatal("layer_overflow", "layers", 17)
	}()

	if code != ExitCode {
		t.Errorf("exit code = %d, want %d", code, ExitCode)
	}
	if flushed != 1 {
		t.Errorf("flushers run = %d, want 1", flushed)
	}
	out := buf.String()
	if !strings.Contains(out, "abort=layer_overflow") || !strings.Contains(out, "layers=17") {
		t.Errorf("log record missing attrs: %q", out)
	}
}

func TestRegisterFlusherIgnoresNil(t *testing.T) {
	RegisterFlusher(nil)
	flushMu.Lock()
	n := len(flushers)
	flushMu.Unlock()
	if n != 0 {
		t.Errorf("nil flusher registered, len = %d", n)
	}
}

func TestRegisterFlusher_Unregister(t *testing.T) {
	var order []int
	first := RegisterFlusher(func() { order = append(order, 1) })
	second := RegisterFlusher(func() { order = append(order, 2) })
	defer second()

	first()
	first()

	flushMu.Lock()
	n := len(flushers)
	fs := append([]flusherEntry(nil), flushers...)
	flushMu.Unlock()
	if n != 1 {
		t.Fatalf("flushers after unregister = %d, want 1", n)
	}
	fs[0].f()
	if len(order) != 1 || order[0] != 2 {
		t.Errorf("remaining flusher ran %v, want [2]", order)
	}
}
