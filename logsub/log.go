// Package logsub is the sling-wide logging backend: one btclog.Backend
// shared by every package, vending a tagged sub-logger per subsystem
// the way lnd's log.go wires up channeldb/htlcswitch/routing/etc.
package logsub

import (
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

var (
	mu       sync.Mutex
	backend  = btclog.NewBackend(os.Stdout)
	loggers  = make(map[string]btclog.Logger)
	logLevel = btclog.LevelInfo
)

// Logger returns the logger for the given subsystem tag, creating it
// on first use. Tags in use: GSIP, GRPH, CAND, RBAL, HTLC, TBAN, CLRP,
// SCHD, SLNG.
func Logger(subsystem string) btclog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[subsystem]; ok {
		return l
	}

	l := backend.Logger(subsystem)
	l.SetLevel(logLevel)
	loggers[subsystem] = l
	return l
}

// SetLevel updates the level of every subsystem logger created so far,
// and the default applied to loggers created afterward.
func SetLevel(level btclog.Level) {
	mu.Lock()
	defer mu.Unlock()

	logLevel = level
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

// UseRotatingFile tees all logging through a size-capped, rolling log
// file in addition to stdout. Call this before any package grabs its
// Logger, mirroring how lnd's InitLogRotator must run before
// UseLogger calls in each subsystem.
func UseRotatingFile(path string, maxRolls int) error {
	r, err := rotator.New(path, 10*1024, false, maxRolls)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	backend = btclog.NewBackend(io.MultiWriter(os.Stdout, r))
	for name := range loggers {
		l := backend.Logger(name)
		l.SetLevel(logLevel)
		loggers[name] = l
	}
	return nil
}
