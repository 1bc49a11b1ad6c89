// Package logging adds level filtering on top of the standard logger.
package logging

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// ParseLevel maps debug|info|error to a Level; anything else is info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum level written.
func SetLevel(l Level) {
	current.Store(int32(l))
}

// CurrentLevel returns the minimum level written.
func CurrentLevel() Level {
	return Level(current.Load())
}

// InitFromEnv sets the log level based on LOG_LEVEL (debug|info|error).
func InitFromEnv() {
	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}

func enabled(l Level) bool {
	return Level(current.Load()) <= l
}

func Debugf(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		log.Printf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		log.Printf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
