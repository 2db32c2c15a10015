// Package logger provides the component-scoped structured logger shared by
// every package in the compaction engine.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the root logger. Components should not log through it directly;
// call For(component) to get a child logger carrying a "component" field.
var Log zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("CHRONOSEG_LOG_LEVEL")); err == nil {
		level = lv
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("ENV") == "dev" {
		Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return
	}
	Log = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// For returns a child logger scoped to the named component, e.g.
// logger.For("chunkmerge") or logger.For("journal").
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// ForPartition returns a child logger scoped to both a component and a
// storage-group partition, the pair most merge log lines need.
func ForPartition(component, partition string) zerolog.Logger {
	return Log.With().Str("component", component).Str("partition", partition).Logger()
}
