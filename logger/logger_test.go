package logger_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/probecore/probecore/logger"
)

func TestLoggerRingAndTail(t *testing.T) {
	log := logger.NewLogger(2)
	w := &strings.Builder{}

	log.Log(logger.Allow, "jtag", "scan found 1 TAP")
	log.Log(logger.Allow, "dp", "power-up acknowledged")
	log.Log(logger.Allow, "ap", "CSW cached")

	log.Write(w)
	if got := w.String(); got != "dp: power-up acknowledged\nap: CSW cached\n" {
		t.Fatalf("ring did not evict oldest entry, got %q", got)
	}

	w.Reset()
	log.Tail(w, 1)
	if got := w.String(); got != "ap: CSW cached\n" {
		t.Fatalf("unexpected tail, got %q", got)
	}

	log.Clear()
	w.Reset()
	log.Write(w)
	if w.String() != "" {
		t.Fatalf("expected empty log after Clear, got %q", w.String())
	}
}

type neverLog struct{}

func (neverLog) AllowLogging() bool { return false }

func TestLoggerPermission(t *testing.T) {
	log := logger.NewLogger(10)
	w := &strings.Builder{}

	log.Log(neverLog{}, "dp", "should not appear")
	log.Write(w)
	if w.String() != "" {
		t.Fatalf("expected suppressed entry, got %q", w.String())
	}
}

func TestLoggerPermanentSurvivesClear(t *testing.T) {
	log := logger.NewLogger(1)
	w := &strings.Builder{}

	log.LogPermanent("core", "DFSR contradicted cached status")
	log.Log(logger.Allow, "jtag", "transient")
	log.Clear()

	log.Write(w)
	if got := w.String(); got != "core: DFSR contradicted cached status\n" {
		t.Fatalf("permanent entry lost, got %q", got)
	}
}

func TestLoggerDetailFormatting(t *testing.T) {
	log := logger.NewLogger(10)
	w := &strings.Builder{}

	log.Log(logger.Allow, "ap", errors.New("fault: sticky error"))
	log.Logf(logger.Allow, "jtag", "idle cycles: %d", 3)
	log.Write(w)

	want := "ap: fault: sticky error\njtag: idle cycles: 3\n"
	if got := w.String(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
