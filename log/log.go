// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package log defines the logging interface the cache uses to report
// non-fatal errors, plus a small stdlib-backed adapter for callers that
// don't already have a logger of their own.
package log

import "log"

// Logger is satisfied by *log.Logger and by most structured loggers'
// Printf-style wrappers. The cache never imports a concrete logging
// library; callers inject one (or leave it nil to discard messages).
type Logger interface {
	Printf(format string, args ...interface{})
}

// Std adapts the standard library's *log.Logger to Logger.
func Std(l *log.Logger) Logger {
	return stdAdapter{l}
}

type stdAdapter struct{ l *log.Logger }

func (s stdAdapter) Printf(format string, args ...interface{}) {
	s.l.Printf(format, args...)
}

// Discard is a Logger that drops every message.
var Discard Logger = discard{}

type discard struct{}

func (discard) Printf(string, ...interface{}) {}
