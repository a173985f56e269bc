// Package config builds the agent and server configuration objects using
// the teacher's functional-options pattern: a zero-value struct, a chain
// of options (defaults, environment, flags) applied in order so each
// source overrides the previous one.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/modemfleet/internal/modemdriver"
)

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// AgentConfig is the agent process's configuration (spec §6.4).
type AgentConfig struct {
	ServerURL       string
	DeviceID        string
	BaudRates       []int
	AutoStartOnScan bool
	AutoHangup      modemdriver.AutoHangupConfig
}

// AgentOption mutates an AgentConfig in place; options are applied in
// order, so later options override earlier ones.
type AgentOption func(*AgentConfig) error

// LoadAgentConfig applies opts in order over a zero-value AgentConfig.
func LoadAgentConfig(opts ...AgentOption) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// WithAgentDefaults applies the spec's stated defaults: DeviceID defaults
// to the host name, baud rates to modemdriver.DefaultBaudRates.
func WithAgentDefaults() AgentOption {
	return func(c *AgentConfig) error {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-device"
		}
		c.DeviceID = host
		c.BaudRates = append([]int(nil), modemdriver.DefaultBaudRates...)
		c.AutoStartOnScan = false
		c.AutoHangup = modemdriver.DefaultAutoHangupConfig()
		return nil
	}
}

// WithAgentEnv reads SignalR:ServerUrl, SignalR:DeviceId,
// ComPortScanner:BaudRates (CSV), SmsReceiver:AutoStartOnScan, and the
// Margin:IncomingCallAutoHangup:* family from the environment, using the
// ":"-free, underscore-joined spelling conventional for env vars.
func WithAgentEnv() AgentOption {
	return func(c *AgentConfig) error {
		if v := os.Getenv("SIGNALR_SERVERURL"); v != "" {
			c.ServerURL = v
		}
		if v := os.Getenv("SIGNALR_DEVICEID"); v != "" {
			c.DeviceID = v
		}
		if v := os.Getenv("COMPORTSCANNER_BAUDRATES"); v != "" {
			if rates, err := parseBaudCSV(v); err == nil {
				c.BaudRates = rates
			}
		}
		if v := os.Getenv("SMSRECEIVER_AUTOSTARTONSCAN"); v != "" {
			c.AutoStartOnScan = v == "true" || v == "1"
		}
		if v := os.Getenv("MARGIN_INCOMINGCALLAUTOHANGUP_ENABLED"); v != "" {
			c.AutoHangup.Enabled = v == "true" || v == "1"
		}
		if v := os.Getenv("MARGIN_INCOMINGCALLAUTOHANGUP_HANGUPDELAYMS"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil {
				c.AutoHangup.HangupDelay = msDuration(ms)
			}
		}
		if v := os.Getenv("MARGIN_INCOMINGCALLAUTOHANGUP_COOLDOWNMS"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil {
				c.AutoHangup.Cooldown = msDuration(ms)
			}
		}
		if v := os.Getenv("MARGIN_INCOMINGCALLAUTOHANGUP_WHITELIST"); v != "" {
			c.AutoHangup.Whitelist = splitCSV(v)
		}
		return nil
	}
}

// WithAgentFlags mirrors the server's command-line override style: only
// flags explicitly set on fSet take effect, so defaults/env set earlier in
// the option chain survive untouched.
func WithAgentFlags(fSet *flag.FlagSet) AgentOption {
	return func(c *AgentConfig) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "server-url":
				c.ServerURL = f.Value.String()
			case "device-id":
				c.DeviceID = f.Value.String()
			case "auto-start-on-scan":
				c.AutoStartOnScan = f.Value.String() == "true"
			}
		})
		return nil
	}
}

func parseBaudCSV(csv string) ([]int, error) {
	parts := splitCSV(csv)
	rates := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		rates = append(rates, v)
	}
	return rates, nil
}

func splitCSV(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
