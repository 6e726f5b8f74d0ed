package risk

import (
	"context"
	"sync/atomic"
)

type probeKey struct{}

// ProbeTicket tells a caller whether its entry was admitted as the half-open
// probe. The caller must then report the outcome with RecordProbe.
type ProbeTicket struct {
	admitted atomic.Bool
}

// WithProbeTicket returns a context that records probe admission for one
// entry attempt.
func WithProbeTicket(ctx context.Context) (context.Context, *ProbeTicket) {
	t := &ProbeTicket{}
	return context.WithValue(ctx, probeKey{}, t), t
}

func (t *ProbeTicket) Admitted() bool {
	return t != nil && t.admitted.Load()
}

func markProbe(ctx context.Context) {
	if t, ok := ctx.Value(probeKey{}).(*ProbeTicket); ok {
		t.admitted.Store(true)
	}
}
