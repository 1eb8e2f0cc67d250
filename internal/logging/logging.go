// Package logging создает zerolog логгер процесса consultd
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Форматы вывода
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New создает логгер с уровнем level ("debug", "info", ...) и форматом
// FormatJSON или FormatConsole. Пустой уровень означает info.
func New(level, format string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter как New, но пишет в w
func NewWithWriter(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("неизвестный уровень логирования %q: %w", level, err)
		}
		lvl = parsed
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("неизвестный формат логов %q", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "consultd").Logger(), nil
}
