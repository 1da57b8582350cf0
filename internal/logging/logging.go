/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process.
func Setup(environment string) zerolog.Logger {
	return SetupWithWriter(environment, nil)
}

// SetupWithWriter configures zerolog with an explicit output. A nil writer
// selects stdout, rendered for humans in development and as JSON elsewhere.
func SetupWithWriter(environment string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if environment == "development" {
		level = zerolog.DebugLevel
	}

	var writer io.Writer = out
	if writer == nil {
		writer = os.Stdout
		if environment == "development" {
			writer = zerolog.ConsoleWriter{Out: os.Stdout}
		}
	}

	logger := zerolog.New(writer).With().Timestamp().Str("service", "elastisched").Logger().Level(level)
	log.Logger = logger
	return logger
}
