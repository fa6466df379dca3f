// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"errors"
	"fmt"
	"io"
	"log/syslog"
)

// SyslogConfig configures a remote syslog sink for log records.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"` // udp or tcp
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"` // syslog.Priority facility bits, 0-23
}

// DefaultSyslogConfig returns a disabled syslog configuration with the
// standard port/protocol/tag/facility defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "flywall",
		Facility: 1, // LOG_USER
	}
}

// SyslogWriter is an io.Writer that ships each Write to a remote
// syslog daemon.
type SyslogWriter struct {
	w io.WriteCloser
}

// NewSyslogWriter dials the syslog daemon described by cfg, applying
// defaults for any zero-valued field except Host, which is required.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, errors.New("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "flywall"
	}

	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	w, err := syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s://%s: %w", cfg.Protocol, addr, err)
	}

	return &SyslogWriter{w: w}, nil
}

func (s *SyslogWriter) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close releases the underlying syslog connection.
func (s *SyslogWriter) Close() error {
	return s.w.Close()
}
