package alerting

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"housepoints/internal/metrics"
)

// Notifier delivers an alert to an external channel. A notifier's own
// failure must never surface to the caller.
type Notifier interface {
	Notify(ctx context.Context, label string, err error)
}

// Alerter supervises scheduled work: it runs a labeled job, absorbs any
// error or panic, reports it, and tells the caller only whether the run
// succeeded. The caller's scheduling loop is never disturbed.
type Alerter struct {
	notifier Notifier
	log      *logrus.Entry
	metrics  *metrics.Metrics
}

// New creates an alerter. notifier may be nil, in which case failures are
// only logged.
func New(notifier Notifier, log *logrus.Entry, m *metrics.Metrics) *Alerter {
	return &Alerter{notifier: notifier, log: log, metrics: m}
}

// Run executes fn under the given label. It always returns; a false
// result means the job failed and was reported.
func (a *Alerter) Run(ctx context.Context, label string, fn func(ctx context.Context) error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.report(ctx, label, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	if err := fn(ctx); err != nil {
		a.report(ctx, label, err)
		return false
	}
	return true
}

func (a *Alerter) report(ctx context.Context, label string, err error) {
	a.log.WithError(err).WithField("job", label).Error("scheduled job failed")
	if a.metrics != nil {
		a.metrics.AlertsRaised.WithLabelValues(label).Inc()
	}
	if a.notifier != nil {
		a.notifier.Notify(ctx, label, err)
	}
}
