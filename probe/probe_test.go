package probe_test

import (
	"testing"

	"github.com/probecore/probecore/probe"
)

// fakeBackend is a bare probe.Backend; fakeNegotiatingBackend additionally
// implements probe.ClockNegotiator to exercise the rounding/logging path.
type fakeBackend struct{}

func (fakeBackend) Close() error { return nil }

type fakeNegotiatingBackend struct {
	fakeBackend
	divisor int // SetClock rounds down to a multiple of this
}

func (b fakeNegotiatingBackend) SetClock(khz int) (int, error) {
	if b.divisor <= 0 {
		return khz, nil
	}
	return (khz / b.divisor) * b.divisor, nil
}

func TestSetSpeedPassesThroughWithoutClockNegotiator(t *testing.T) {
	p := probe.New("fake", probe.Selector{}, probe.KindCMSISDAP, fakeBackend{})

	actual, err := p.SetSpeed(4000)
	if err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if actual != 4000 {
		t.Fatalf("expected passthrough 4000 kHz, got %d", actual)
	}
	if p.ClockKHz() != 4000 {
		t.Fatalf("expected ClockKHz to reflect the negotiated speed, got %d", p.ClockKHz())
	}
}

func TestSetSpeedReportsNegotiatedValueWhenRounded(t *testing.T) {
	p := probe.New("fake", probe.Selector{}, probe.KindCMSISDAP, fakeNegotiatingBackend{divisor: 1000})

	actual, err := p.SetSpeed(4500)
	if err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if actual != 4000 {
		t.Fatalf("expected rounded speed 4000 kHz, got %d", actual)
	}
	if p.ClockKHz() != 4000 {
		t.Fatalf("expected ClockKHz to reflect the rounded speed, got %d", p.ClockKHz())
	}
}
