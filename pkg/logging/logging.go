// Package logging builds the zerolog loggers used across the service.
package logging

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"
)

// DefaultHostCID is the context ID of the parent instance.
const DefaultHostCID = 3

// DefaultLogger creates a new logger with the given app name.
func DefaultLogger(appName string, writer io.Writer) zerolog.Logger {
	logger := zerolog.New(writer).With().Timestamp().Str("app", appName).Logger()
	if commit := Commit(); commit != "" {
		logger = logger.With().Str("commit", commit).Logger()
	}
	return logger
}

// Commit returns the short VCS revision the binary was built from, if known.
func Commit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) == 40 {
			return s.Value[:7]
		}
	}
	return ""
}

// SetLevel sets the global log level if level is not empty.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// DefaultWithSocket creates a new logger that logs to a vsock port on the parent instance.
func DefaultWithSocket(appName string, port uint32) (zerolog.Logger, func(), error) {
	conn, err := vsock.Dial(DefaultHostCID, port, nil)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to dial socket: %w", err)
	}
	closeFn := func() {
		conn.Close() //nolint:errcheck
	}
	return DefaultLogger(appName, conn), closeFn, nil
}
