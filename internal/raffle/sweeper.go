package raffle

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/metrics"
)

// replayAge keeps the sweeper away from notifications the webhook handler
// may still be working on.
const replayAge = time.Minute

// Sweeper runs the periodic housekeeping: expiring stale reservations,
// replaying failed notifications and cancelling abandoned checkouts.
type Sweeper struct {
	res      *Reservations
	checkout *Checkout
	rec      *Reconciler
	log      logrus.FieldLogger
	timeout  time.Duration
}

// NewSweeper builds a Sweeper.  checkout and rec may be nil to skip their
// steps.
func NewSweeper(res *Reservations, checkout *Checkout, rec *Reconciler, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{res: res, checkout: checkout, rec: rec, log: log, timeout: 25 * time.Second}
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Expired   int64
	Abandoned int
	Replayed  int
}

// RunOnce performs a single pass.  A failing step is logged and the
// remaining steps still run; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var (
		out      SweepResult
		firstErr error
	)
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		s.log.WithError(err).WithField("step", step).Error("sweep step failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.res.ExpireStale(ctx)
	out.Expired = n
	keep("expire", err)

	// Replays first: a checkout whose payment is only known from a failed
	// notification must not be cancelled as abandoned.
	if s.rec != nil {
		results, err := s.rec.ReplayPending(ctx, replayAge)
		for _, r := range results {
			if r.Processed {
				out.Replayed++
			}
		}
		keep("replay", err)
	}
	if s.checkout != nil {
		out.Abandoned, err = s.checkout.CancelAbandoned(ctx)
		keep("abandon", err)
	}

	metrics.RecordSweep(time.Since(start), firstErr == nil)
	if out.Expired > 0 || out.Abandoned > 0 || out.Replayed > 0 {
		s.log.WithFields(logrus.Fields{
			"expired": out.Expired, "abandoned": out.Abandoned, "replayed": out.Replayed,
		}).Info("sweep completed")
	}
	return out, firstErr
}

// Schedule registers the sweep on c using a cron spec such as
// "@every 30s".  Overlapping runs are skipped.
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	job := cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_, _ = s.RunOnce(ctx)
	})
	return c.AddJob(spec, cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(job))
}
