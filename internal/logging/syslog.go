// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"
)

// SyslogConfig controls optional forwarding of log entries to a syslog
// daemon, used when operators want usage/policy events centralized
// alongside the rest of their fleet's logs.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns a disabled syslog configuration with the
// defaults applied when Host is set but the rest is left zero.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "cellmeter",
		Facility: 1,
	}
}

// NewSyslogWriter dials the syslog daemon described by cfg and returns an
// io.Writer suitable for use as a secondary logging sink.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "cellmeter"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	w, err := syslog.Dial(cfg.Protocol, addr, cfg.Facility, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("syslog: dial %s: %w", addr, err)
	}
	return w, nil
}
