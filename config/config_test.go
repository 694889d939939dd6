package config_test

import (
	"testing"
	"time"

	"github.com/probecore/probecore/config"
)

func TestApplyOverrides(t *testing.T) {
	c := config.Default()
	c.ApplyOverrides("dp.wait_retry_limit::256; usb.bulk_timeout_ms:: 2000 ")

	if c.DPWaitRetryLimit != 256 {
		t.Fatalf("expected DPWaitRetryLimit 256, got %d", c.DPWaitRetryLimit)
	}
	if c.USBBulkTimeout != 2*time.Second {
		t.Fatalf("expected USBBulkTimeout 2s, got %v", c.USBBulkTimeout)
	}
}

func TestApplyOverridesIgnoresMalformedGroups(t *testing.T) {
	c := config.Default()
	want := c.DPWaitRetryLimit

	c.ApplyOverrides("not_a_valid_group; dp.wait_retry_limit")
	if c.DPWaitRetryLimit != want {
		t.Fatalf("malformed group should not change defaults, got %d", c.DPWaitRetryLimit)
	}
}

func TestApplyOverridesUnknownKeyIgnored(t *testing.T) {
	c := config.Default()
	c.ApplyOverrides("not.a.real.key::123")
	if c != config.Default() {
		t.Fatalf("unknown key should leave config untouched")
	}
}
