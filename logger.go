package reqresp

import (
	"log/slog"
	"net"
)

// Logger receives the server's and client's connection events as a message
// followed by key-value pairs. *slog.Logger satisfies it.
type Logger interface {
	// Debug records per-frame detail such as parsed headers.
	Debug(msg string, args ...any)
	// Info records connection lifecycle events.
	Info(msg string, args ...any)
	// Warn records dropped connections and failed handshakes.
	Warn(msg string, args ...any)
	// Error records connection failures.
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// peerLogger tags every record with the peer's address.
type peerLogger struct {
	Logger
	addr net.Addr
}

// withPeer returns a Logger for events of the exchange with addr.
func withPeer(l Logger, addr net.Addr) Logger {
	return peerLogger{Logger: l, addr: addr}
}

func (l peerLogger) tag(args []any) []any {
	return append([]any{"addr", l.addr}, args...)
}

func (l peerLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.tag(args)...) }
func (l peerLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.tag(args)...) }
func (l peerLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.tag(args)...) }
func (l peerLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.tag(args)...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards all records.
func NopLogger() Logger {
	return nopLogger{}
}
