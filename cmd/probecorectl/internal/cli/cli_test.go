package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/probecore/probecore/probe"
)

func TestListCmdReportsNoProbes(t *testing.T) {
	cmd := listCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "no probes found") {
		t.Fatalf("expected a no-probes message, got %q", out.String())
	}
}

func TestListCmdReportsRegisteredProbe(t *testing.T) {
	const kind = probe.Kind("test-fake")
	probe.Register(kind,
		func() ([]probe.Info, error) {
			return []probe.Info{{Identifier: "fake-0", Kind: kind, Selector: probe.Selector{Serial: "abc123"}}}, nil
		},
		func(sel probe.Selector) (*probe.Probe, error) { return nil, nil },
	)

	cmd := listCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "fake-0") || !strings.Contains(out.String(), "abc123") {
		t.Fatalf("expected the registered fake probe in output, got %q", out.String())
	}
}
