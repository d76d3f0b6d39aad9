// Package ioconfig loads the environment-variable configuration that
// governs an iomiddle process: which files are managed, whether the
// background worker and collective truncation are enabled, and which
// process-group transport to use.
package ioconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Debug levels, one bit per subsystem. Matches the IOMIDDLE_DEBUG bitmask.
const (
	DebugHijack = 1 << iota
	DebugBufmgr
	DebugWorker
	DebugRead
	DebugForwarder
)

// Transport selects the process-group implementation.
type Transport string

const (
	TransportLocal Transport = "local"
	TransportTCP   Transport = "tcp"
)

// Config is the immutable, process-wide configuration read once at
// startup. It has no behaviour of its own: component packages read the
// fields they need.
type Config struct {
	CareRoot    string
	Disabled    bool
	Debug       int
	Confirm     bool
	Forwarders  int
	Lanes       int
	WorkerOn    bool
	TruncOn     bool
	StatLevel   int
	Transport   Transport
	HubAddr     string
}

// Load reads and validates the IOMIDDLE_* environment variables.
//
// CareRoot is required unless the middleware is disabled: an unset care
// path is a configuration error, not a silent no-op, because a managed
// job that silently runs unmanaged would produce wrong I/O shape without
// any diagnostic.
func Load() (Config, error) {
	cfg := Config{
		Lanes:     1,
		Transport: TransportLocal,
	}

	cfg.Disabled = envBool("IOMIDDLE_DISABLE")
	cfg.Debug = envInt("IOMIDDLE_DEBUG")
	cfg.Confirm = os.Getenv("IOMIDDLE_CONFIRM") != ""
	cfg.WorkerOn = envBool("IOMIDDLE_WORKER")
	cfg.TruncOn = envBool("IOMIDDLE_TRUNC")
	cfg.StatLevel = envInt("IOMIDDLE_STAT")

	cfg.CareRoot = os.Getenv("IOMIDDLE_CARE_PATH")
	if !cfg.Disabled && cfg.CareRoot == "" {
		return Config{}, fmt.Errorf("ioconfig: IOMIDDLE_CARE_PATH must be specified")
	}

	if v := os.Getenv("IOMIDDLE_FORWARDER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("ioconfig: IOMIDDLE_FORWARDER must be a non-negative integer: %w", err)
		}
		cfg.Forwarders = n
	}

	if v := os.Getenv("IOMIDDLE_LANES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("ioconfig: IOMIDDLE_LANES must be a positive integer: %w", err)
		}
		cfg.Lanes = n
	}
	if cfg.Forwarders > 0 {
		// Forced: forwarder mode buffers exactly one stripe per local rank.
		cfg.Lanes = 1
	}

	if v := os.Getenv("IOMIDDLE_TRANSPORT"); v != "" {
		cfg.Transport = Transport(v)
	}
	cfg.HubAddr = os.Getenv("IOMIDDLE_HUB_ADDR")
	if cfg.Transport == TransportTCP && cfg.HubAddr == "" {
		return Config{}, fmt.Errorf("ioconfig: IOMIDDLE_HUB_ADDR is required when IOMIDDLE_TRANSPORT=tcp")
	}

	return cfg, nil
}

func envBool(name string) bool {
	return envInt(name) == 1
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
