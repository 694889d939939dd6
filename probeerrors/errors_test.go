package probeerrors_test

import (
	"errors"
	"testing"

	"github.com/probecore/probecore/probeerrors"
)

func TestCuratedDeduplicatesAdjacentParts(t *testing.T) {
	inner := probeerrors.Errorf(probeerrors.DPFaultMsg, "dp fault: sticky error")
	outer := probeerrors.Errorf("dp fault: %v", inner)

	got := outer.Error()
	want := "dp fault: sticky error"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestErrorsIsAgainstSentinel(t *testing.T) {
	err := probeerrors.Errorf(probeerrors.TimeoutMsg)
	if !errors.Is(err, probeerrors.Timeout) {
		t.Fatalf("expected errors.Is to match Timeout sentinel")
	}
	if errors.Is(err, probeerrors.DPWait) {
		t.Fatalf("did not expect errors.Is to match DPWait sentinel")
	}
}

func TestUnwrapWalksWrappedCause(t *testing.T) {
	cause := errors.New("usb: device disconnected")
	err := probeerrors.Errorf(probeerrors.ProbeUSBMsg, cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
}

func TestHead(t *testing.T) {
	err := probeerrors.Errorf(probeerrors.APOutOfBoundsMsg, 0x20010000)
	if probeerrors.Head(err) != probeerrors.APOutOfBoundsMsg {
		t.Fatalf("unexpected head: %q", probeerrors.Head(err))
	}
}
