package cloud

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer spaces out describe/poll calls so that many concurrent runs in one
// process stay under the service API rate limits.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a pacer allowing perSecond calls per second.
// A non-positive value uses DefaultPollRate.
func NewPacer(perSecond float64) *Pacer {
	if perSecond <= 0 {
		perSecond = DefaultPollRate
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Wait blocks until the next call may proceed or ctx is done.
// A nil pacer never blocks.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}
