// Package util provides shared logging, statistics and id helpers.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LogPeer logs an info line tagged with the remote peer id.
func LogPeer(peerID, format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...),
		pterm.DefaultLogger.Args("peer", peerID))
}

// LogPeerDebug is LogPeer at debug level. Negotiation steps use it.
func LogPeerDebug(peerID, format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...),
		pterm.DefaultLogger.Args("peer", peerID))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

