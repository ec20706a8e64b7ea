package milter

import (
	"log/slog"
	"time"
)

// NewMilterFunc returns the [Milter] backend for one message transaction.
type NewMilterFunc func() Milter

type options struct {
	newMilterFn  NewMilterFunc
	actions      OptAction
	protocol     OptProtocol
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a [Server].
type Option func(*options)

// WithMilter sets the factory for [Milter] backends. A new backend is
// created for every message transaction. This option is required.
func WithMilter(fn NewMilterFunc) Option {
	return func(o *options) {
		o.newMilterFn = fn
	}
}

// WithActions sets the modification actions the filter needs. The
// negotiation fails when the MTA does not offer all of them.
func WithActions(actions OptAction) Option {
	return func(o *options) {
		o.actions = actions
	}
}

// WithProtocol adds protocol stages the filter asks the MTA to suppress.
// Stages the MTA does not offer to suppress are silently kept.
func WithProtocol(protocol OptProtocol) Option {
	return func(o *options) {
		o.protocol = o.protocol | protocol
	}
}

// WithReadTimeout bounds the wait for the next packet from the MTA. A
// stalled connection is closed when the timeout fires. Default 10 minutes:
// the MTA can legitimately pause for a long time between SMTP commands.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// WithWriteTimeout bounds every packet write to the MTA. Default 10 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithLogger sets the logger for connection-level diagnostics.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
