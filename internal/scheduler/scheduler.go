package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"housepoints/internal/clock"
	"housepoints/internal/database"
	"housepoints/internal/metrics"
	"housepoints/internal/models"
)

// dailyInterval is the daily job cadence. It fires hourly, UTC-scheduled,
// so every timezone is caught as its local midnight passes.
const dailyInterval = time.Hour

// Splitter is the tracker surface the scheduler needs to split sessions
// around reset boundaries.
type Splitter interface {
	ForceCloseAndReopen(userID string, at time.Time) (models.SessionRecord, bool)
	ReconcileGracePeriods(ctx context.Context) int
	Requeue(recs []models.SessionRecord)
}

// Store is the repository surface used by the reset jobs.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	GetResetStates(ctx context.Context, q database.Querier) ([]models.ResetState, error)
	ApplyDailyReset(ctx context.Context, q database.Querier, userIDs []string, resetAt time.Time) error
	ApplyMonthlyReset(ctx context.Context, q database.Querier) error
	SaveSessionOn(ctx context.Context, q database.Querier, rec models.SessionRecord) error
}

// Runner is the alerting wrapper surface: run a labeled job, absorb its
// failure, report whether it succeeded.
type Runner interface {
	Run(ctx context.Context, label string, fn func(ctx context.Context) error) bool
}

// Scheduler owns the recurring jobs: grace reconciliation, the hourly
// daily reset, and the monthly reset. Jobs are created at Start and torn
// down only at Stop; a failed invocation stays scheduled and retries on
// its next tick.
type Scheduler struct {
	clock     clock.Clock
	store     Store
	tracker   Splitter
	alerter   Runner
	log       *logrus.Entry
	metrics   *metrics.Metrics
	reconcile time.Duration

	locations map[string]*time.Location

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a scheduler. reconcile is the grace-reconciliation cadence;
// it must be at least as frequent as the daily job.
func New(clk clock.Clock, store Store, tracker Splitter, alerter Runner, reconcile time.Duration, log *logrus.Entry, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		clock:     clk,
		store:     store,
		tracker:   tracker,
		alerter:   alerter,
		log:       log,
		metrics:   m,
		reconcile: reconcile,
		locations: make(map[string]*time.Location),
		stop:      make(chan struct{}),
	}
}

// Start launches all jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(3)
	go s.reconcileLoop(ctx)
	go s.dailyLoop(ctx)
	go s.monthlyLoop(ctx)
	s.log.Info("reset scheduler started")
}

// Stop tears the jobs down and waits for in-flight invocations.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("reset scheduler stopped")
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reconcile)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.alerter.Run(ctx, "graceReconcile", func(ctx context.Context) error {
				s.tracker.ReconcileGracePeriods(ctx)
				return nil
			})
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(dailyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.alerter.Run(ctx, "dailyReset", s.runDailyReset)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) monthlyLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		timer := time.NewTimer(untilNextMonthStart(s.clock.Now()))
		select {
		case <-timer.C:
			s.alerter.Run(ctx, "monthlyReset", s.runMonthlyReset)
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// runDailyReset selects every user whose local calendar day differs from
// the local day of their last reset, splits their open session at the
// boundary so accrued time lands in the old day's bucket, then zeroes the
// daily counters. The whole invocation is one transaction: a failure
// leaves counters and reset timestamps untouched and the job retries on
// the next hourly tick.
//
// The tracker's in-memory split is not covered by the transaction. On a
// rollback the session stays split in memory, so the closed slices are
// handed back to the tracker and persisted by the next reconcile; session
// inserts are idempotent, so a slice that did commit is not double-counted.
func (s *Scheduler) runDailyReset(ctx context.Context) error {
	now := s.clock.Now()
	var split []models.SessionRecord

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		states, err := s.store.GetResetStates(ctx, tx)
		if err != nil {
			return err
		}

		var selected []string
		for _, st := range states {
			loc := s.location(st.Timezone)
			if sameLocalDay(now, st.LastDailyReset, loc) {
				continue
			}
			selected = append(selected, st.UserID)
		}
		if len(selected) == 0 {
			return nil
		}

		for _, userID := range selected {
			if rec, ok := s.tracker.ForceCloseAndReopen(userID, now); ok && rec.Seconds > 0 {
				split = append(split, rec)
				if err := s.store.SaveSessionOn(ctx, tx, rec); err != nil {
					return err
				}
			}
		}

		if err := s.store.ApplyDailyReset(ctx, tx, selected, now); err != nil {
			return err
		}

		if s.metrics != nil {
			s.metrics.ResetRuns.WithLabelValues("daily").Inc()
			s.metrics.UsersReset.WithLabelValues("daily").Add(float64(len(selected)))
		}
		s.log.WithField("users", len(selected)).Info("daily reset applied")
		return nil
	})
	if err != nil {
		s.tracker.Requeue(split)
		return err
	}
	return nil
}

// runMonthlyReset zeroes monthly counters for all users. No timezone
// partitioning: the skew at a month boundary is tolerated.
func (s *Scheduler) runMonthlyReset(ctx context.Context) error {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.ApplyMonthlyReset(ctx, tx)
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ResetRuns.WithLabelValues("monthly").Inc()
	}
	s.log.Info("monthly reset applied")
	return nil
}

// location resolves an IANA zone name, falling back to UTC for names that
// fail to load. Resolved zones are cached per scheduler.
func (s *Scheduler) location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if loc, ok := s.locations[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.WithField("timezone", name).Warn("unknown timezone, using UTC")
		loc = time.UTC
	}
	s.locations[name] = loc
	return loc
}

func sameLocalDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func nextMonthStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

// untilNextMonthStart measures against the supplied instant, not the wall
// clock, so the monthly cadence follows the injected clock.
func untilNextMonthStart(now time.Time) time.Duration {
	return nextMonthStart(now).Sub(now)
}
