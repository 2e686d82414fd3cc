/*
 * PretenderDB
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package utils provides small helpers shared across pretenderdb
// packages.
package utils

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"testing"
)

// InitLogger configures the default slog logger writing to w at the
// given level, in the text format used by all pretenderdb binaries.
func InitLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// InitLoggerForTests initializes the default logger for tests: silent
// unless tests run verbose.
func InitLoggerForTests() {
	// Parse flags to check testing.Verbose().
	if !flag.Parsed() {
		flag.Parse()
	}
	if !testing.Verbose() {
		InitLogger(io.Discard, slog.LevelError)
		return
	}
	InitLogger(os.Stderr, slog.LevelDebug)
}

// NewSlogLoggerForTests returns a logger suitable for handing to
// components under test.
func NewSlogLoggerForTests() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
