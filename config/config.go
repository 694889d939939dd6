// Package config holds the session-wide tunables a front-end may want to
// override: retry bounds, timeouts, and idle-cycle counts. It is deliberately
// a flat key::value store rather than a YAML/flags dependency — the core
// never parses a command line itself, so a thin adapter above it (out of
// scope here) can push overrides in with a single string, in the same shape
// as the teacher's prefs command-line stack.
package config

import (
	"strconv"
	"strings"
	"time"
)

// Config holds one session's tunables. Default() returns the standard
// values; a zero Config leaves every field at zero.
type Config struct {
	// DPWaitRetryLimit bounds the number of SWD/JTAG WAIT retries the DP
	// engine will attempt before surfacing an error (§4.3).
	DPWaitRetryLimit int

	// DPPowerUpTimeout bounds how long the DP engine polls
	// CDBGPWRUPACK/CSYSPWRUPACK for (§4.3).
	DPPowerUpTimeout time.Duration

	// ResetCatchParkDelay is the fixed sleep after the AIRCR system reset on cores
	// that must simulate reset-catch (v6-M, §4.6). The source's own
	// 10ms value is carried forward; the exact minimum is target-specific
	// and undocumented (see DESIGN.md Open Questions).
	ResetCatchParkDelay time.Duration

	// RISCVIdleCycles is the number of idle TCK cycles inserted after every
	// DMI scan on a RISC-V target; the DTM also waits between scans while
	// the target signals "busy" (§4.2).
	RISCVIdleCycles int

	// USBBulkTimeout / USBHIDTimeout bound probe I/O (§5).
	USBBulkTimeout time.Duration
	USBHIDTimeout  time.Duration

	// HaltPollInterval is how often wait_for_core_halted re-polls DHCSR.
	HaltPollInterval time.Duration

	// MaxConsecutiveStepRetries is parsed and carried like the other
	// tunables, but no package in this module reads it; the stepping
	// engine does not consult it.
	MaxConsecutiveStepRetries int
}

// Default returns the configuration the core uses unless overridden.
func Default() Config {
	return Config{
		DPWaitRetryLimit:          128,
		DPPowerUpTimeout:          500 * time.Millisecond,
		ResetCatchParkDelay:       10 * time.Millisecond,
		RISCVIdleCycles:           1,
		USBBulkTimeout:            5 * time.Second,
		USBHIDTimeout:             100 * time.Millisecond,
		HaltPollInterval:          1 * time.Millisecond,
		MaxConsecutiveStepRetries: 10,
	}
}

// ApplyOverrides parses a "key::value; key::value" string, in the shape the
// teacher's command-line preferences stack uses, and overrides the matching
// fields. Unknown keys and malformed groups are ignored rather than
// rejected — a front-end building this string from multiple sources should
// not have one bad fragment invalidate the rest.
func (c *Config) ApplyOverrides(s string) {
	for _, group := range strings.Split(s, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		kv := strings.SplitN(group, "::", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		c.applyOne(key, val)
	}
}

func (c *Config) applyOne(key, val string) {
	switch key {
	case "dp.wait_retry_limit":
		if n, err := strconv.Atoi(val); err == nil {
			c.DPWaitRetryLimit = n
		}
	case "dp.power_up_timeout_ms":
		if n, err := strconv.Atoi(val); err == nil {
			c.DPPowerUpTimeout = time.Duration(n) * time.Millisecond
		}
	case "core.reset_catch_park_delay_ms":
		if n, err := strconv.Atoi(val); err == nil {
			c.ResetCatchParkDelay = time.Duration(n) * time.Millisecond
		}
	case "riscv.idle_cycles":
		if n, err := strconv.Atoi(val); err == nil {
			c.RISCVIdleCycles = n
		}
	case "usb.bulk_timeout_ms":
		if n, err := strconv.Atoi(val); err == nil {
			c.USBBulkTimeout = time.Duration(n) * time.Millisecond
		}
	case "usb.hid_timeout_ms":
		if n, err := strconv.Atoi(val); err == nil {
			c.USBHIDTimeout = time.Duration(n) * time.Millisecond
		}
	case "core.halt_poll_interval_ms":
		if n, err := strconv.Atoi(val); err == nil {
			c.HaltPollInterval = time.Duration(n) * time.Millisecond
		}
	case "debug.max_consecutive_step_retries":
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxConsecutiveStepRetries = n
		}
	}
}
