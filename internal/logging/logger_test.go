// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"ERROR", zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	logger.Info().Str("peer", "central-01").Msg("peer connected")

	out := buf.String()
	if !strings.Contains(out, `"peer":"central-01"`) {
		t.Errorf("expected structured field in output, got %s", out)
	}
	if !strings.Contains(out, "peer connected") {
		t.Errorf("expected message in output, got %s", out)
	}
}

func TestSetLoggerReplacesGlobal(t *testing.T) {
	orig := Logger()
	defer SetLogger(orig)

	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))

	Info().Msg("through global")

	if !strings.Contains(buf.String(), "through global") {
		t.Errorf("global logger did not write to replacement output: %q", buf.String())
	}
}

func TestSlogHandlerWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	orig := Logger()
	defer SetLogger(orig)
	SetLogger(NewTestLogger(&buf))

	slogger := slog.New(NewSlogHandler())
	slogger.Info("service started", "component", "gossip", "attempts", int64(3))

	out := buf.String()
	for _, want := range []string{"service started", `"component":"gossip"`, `"attempts":3`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestSlogHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	orig := Logger()
	defer SetLogger(orig)
	SetLogger(NewTestLogger(&buf))

	slogger := slog.New(NewSlogHandler()).WithGroup("supervisor")
	slogger.Warn("service restarting", "name", "peer-client")

	if !strings.Contains(buf.String(), `"supervisor.name":"peer-client"`) {
		t.Errorf("group prefix missing: %s", buf.String())
	}
}
