// Package filter is the milter backend of dmarcation: it accumulates the
// header set of one message, lets the rewrite core decide at end-of-headers
// and applies the resulting mutations during the end-of-message exchange.
package filter

import (
	"errors"
	"log/slog"

	"github.com/dmarcation/dmarcation/internal/metrics"
	"github.com/dmarcation/dmarcation/milter"
	"github.com/dmarcation/dmarcation/rewrite"
)

// Backend handles exactly one message transaction. The protocol layer
// creates a fresh instance per message, so header state cannot leak.
type Backend struct {
	milter.NoOpMilter
	rewriter *rewrite.Rewriter
	log      *slog.Logger
	headers  rewrite.Header
	plan     []rewrite.Op
}

// New returns the backend factory for [milter.WithMilter].
func New(r *rewrite.Rewriter, log *slog.Logger) milter.NewMilterFunc {
	return func() milter.Milter {
		return &Backend{rewriter: r, log: log}
	}
}

func (b *Backend) Header(name string, value string, m *milter.Modifier) (*milter.Response, error) {
	b.headers.Add(name, value)
	return milter.RespContinue, nil
}

// Headers runs the rewrite decision against the accumulated header set.
// Decision errors degrade to pass-through: no message is ever dropped
// because of a codec or parse problem.
func (b *Backend) Headers(m *milter.Modifier) (*milter.Response, error) {
	metrics.MessagesSeen.Inc()
	plan, err := b.rewriter.Plan(&b.headers)
	if err != nil {
		var parseErr *rewrite.AddressParseError
		if errors.As(err, &parseErr) {
			metrics.MessagesSkipped.WithLabelValues("parse").Inc()
			b.log.Info("passing message through unmodified", "error", parseErr)
			return milter.RespContinue, nil
		}
		metrics.MessagesSkipped.WithLabelValues("other").Inc()
		b.log.Warn("rewrite decision failed, passing message through", "error", err)
		return milter.RespContinue, nil
	}
	b.plan = plan
	return milter.RespContinue, nil
}

// EndOfMessage emits the planned header mutations. The milter protocol only
// accepts modification packets here; they all precede the final accept.
func (b *Backend) EndOfMessage(m *milter.Modifier) (*milter.Response, error) {
	for _, op := range b.plan {
		var err error
		switch op.Kind {
		case rewrite.OpReplace:
			err = m.ChangeHeader(op.Index, op.Name, op.Value)
		case rewrite.OpAdd:
			err = m.AddHeader(op.Name, op.Value)
		case rewrite.OpDelete:
			err = m.ChangeHeader(op.Index, op.Name, "")
		}
		if err != nil {
			return nil, err
		}
		if op.Name == rewrite.HeaderOriginalFrom {
			switch op.Kind {
			case rewrite.OpAdd:
				metrics.MessagesRewritten.Inc()
				b.log.Debug("rewrote From header")
			case rewrite.OpDelete:
				metrics.MessagesRestored.Inc()
				b.log.Debug("restored original From header")
			}
		}
	}
	return milter.RespAccept, nil
}

// Abort discards all state of the current message.
func (b *Backend) Abort(_ *milter.Modifier) error {
	b.headers = rewrite.Header{}
	b.plan = nil
	return nil
}
