package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"housepoints/internal/alerting"
	"housepoints/internal/clock"
	"housepoints/internal/database"
	"housepoints/internal/models"
	"housepoints/internal/tracker"
)

// fakeStore implements Store in memory with transaction semantics: saves
// made inside WithTx are buffered and discarded on rollback, committed on
// success. WithTx passes a nil *sql.Tx through; the methods ignore their
// Querier. Duplicate session ids are dropped like the real upsert.
type fakeStore struct {
	states        []models.ResetState
	statesErr     error
	dailyFailures int
	inTx          bool
	pendingSaves  []models.SessionRecord
	saved         []models.SessionRecord
	dailyResets   [][]string
	dailyAt       time.Time
	monthlyRuns   int
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	f.inTx = true
	err := fn(nil)
	f.inTx = false
	if err != nil {
		f.pendingSaves = nil
		return err
	}
	for _, rec := range f.pendingSaves {
		f.commit(rec)
	}
	f.pendingSaves = nil
	return nil
}

func (f *fakeStore) GetResetStates(ctx context.Context, q database.Querier) ([]models.ResetState, error) {
	return f.states, f.statesErr
}

func (f *fakeStore) ApplyDailyReset(ctx context.Context, q database.Querier, userIDs []string, resetAt time.Time) error {
	if f.dailyFailures > 0 {
		f.dailyFailures--
		return errors.New("deadlock detected")
	}
	f.dailyResets = append(f.dailyResets, userIDs)
	f.dailyAt = resetAt
	return nil
}

func (f *fakeStore) ApplyMonthlyReset(ctx context.Context, q database.Querier) error {
	f.monthlyRuns++
	return nil
}

func (f *fakeStore) SaveSessionOn(ctx context.Context, q database.Querier, rec models.SessionRecord) error {
	if rec.Seconds <= 0 {
		return nil
	}
	if f.inTx {
		f.pendingSaves = append(f.pendingSaves, rec)
		return nil
	}
	f.commit(rec)
	return nil
}

func (f *fakeStore) commit(rec models.SessionRecord) {
	for _, existing := range f.saved {
		if existing.ID == rec.ID {
			return
		}
	}
	f.saved = append(f.saved, rec)
}

// trackerStore adapts fakeStore to the tracker's Store interface.
type trackerStore struct{ f *fakeStore }

func (t trackerStore) SaveSession(ctx context.Context, rec models.SessionRecord) error {
	return t.f.SaveSessionOn(ctx, nil, rec)
}

type recordingNotifier struct {
	labels []string
	errs   []error
}

func (r *recordingNotifier) Notify(ctx context.Context, label string, err error) {
	r.labels = append(r.labels, label)
	r.errs = append(r.errs, err)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestScheduler(clk clock.Clock, store *fakeStore, trk Splitter) *Scheduler {
	alerter := alerting.New(nil, testLogger(), nil)
	return New(clk, store, trk, alerter, time.Minute, testLogger(), nil)
}

// A user in UTC+9 whose last reset was yesterday 00:05 local, now 00:10
// local the next day, with a session open for three hours: the reset must
// split the session at the boundary instant, credit the slice, and zero
// the daily counters.
func TestDailyResetSplitsOpenSessionAcrossBoundary(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	now := time.Date(2024, 3, 11, 0, 10, 0, 0, tokyo).UTC()
	lastReset := time.Date(2024, 3, 10, 0, 5, 0, 0, tokyo).UTC()

	clk := clock.NewManual(now.Add(-3 * time.Hour))
	store := &fakeStore{states: []models.ResetState{
		{UserID: "u1", Timezone: "Asia/Tokyo", LastDailyReset: lastReset},
	}}
	trk := tracker.New(clk, trackerStore{store}, 5*time.Minute, testLogger(), nil)
	trk.StartSession("u1", "voice-1")
	clk.Set(now)

	s := newTestScheduler(clk, store, trk)
	require.NoError(t, s.runDailyReset(context.Background()))

	require.Len(t, store.dailyResets, 1)
	assert.Equal(t, []string{"u1"}, store.dailyResets[0])
	assert.Equal(t, now, store.dailyAt)

	require.Len(t, store.saved, 1)
	assert.Equal(t, int64(3*3600), store.saved[0].Seconds)
	assert.Equal(t, now, store.saved[0].LeftAt)

	// The reopened session starts exactly at the reset instant.
	rec, ok := trk.ForceCloseAndReopen("u1", now)
	require.True(t, ok)
	assert.Equal(t, now, rec.JoinedAt)
	assert.Zero(t, rec.Seconds)
}

func TestDailyResetSelectsOnlyUsersPastTheirLocalMidnight(t *testing.T) {
	// 23:30 UTC on March 10: already March 11 in Tokyo, still March 10 in London.
	now := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)
	morning := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	clk := clock.NewManual(now)
	store := &fakeStore{states: []models.ResetState{
		{UserID: "tokyo", Timezone: "Asia/Tokyo", LastDailyReset: morning},
		{UserID: "london", Timezone: "Europe/London", LastDailyReset: morning},
		{UserID: "default", Timezone: "UTC", LastDailyReset: morning},
	}}
	trk := tracker.New(clk, trackerStore{store}, 5*time.Minute, testLogger(), nil)

	s := newTestScheduler(clk, store, trk)
	require.NoError(t, s.runDailyReset(context.Background()))

	require.Len(t, store.dailyResets, 1)
	assert.Equal(t, []string{"tokyo"}, store.dailyResets[0])
}

func TestDailyResetIsNoOpSecondTimeWithinSameLocalDay(t *testing.T) {
	now := time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	store := &fakeStore{states: []models.ResetState{
		{UserID: "u1", Timezone: "UTC", LastDailyReset: now.Add(-24 * time.Hour)},
	}}
	trk := tracker.New(clk, trackerStore{store}, 5*time.Minute, testLogger(), nil)
	s := newTestScheduler(clk, store, trk)

	require.NoError(t, s.runDailyReset(context.Background()))
	require.Len(t, store.dailyResets, 1)

	// The applied reset would have stamped last_daily_reset = now.
	store.states[0].LastDailyReset = now
	clk.Advance(time.Hour)
	require.NoError(t, s.runDailyReset(context.Background()))
	assert.Len(t, store.dailyResets, 1, "second run within the same local day must select nobody")
}

func TestDailyResetFailureIsAlertedAndAbsorbed(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC))
	store := &fakeStore{statesErr: errors.New("connection refused")}
	trk := tracker.New(clk, trackerStore{store}, 5*time.Minute, testLogger(), nil)

	notifier := &recordingNotifier{}
	alerter := alerting.New(notifier, testLogger(), nil)
	s := New(clk, store, trk, alerter, time.Minute, testLogger(), nil)

	ok := alerter.Run(context.Background(), "dailyReset", s.runDailyReset)
	assert.False(t, ok)
	require.Len(t, notifier.labels, 1)
	assert.Equal(t, "dailyReset", notifier.labels[0])
	assert.Empty(t, store.dailyResets, "no counters may be touched on failure")
}

// A reset that rolls back after the open session was already split must not
// lose the closed slice: it is handed back to the tracker and persisted by
// the next reconcile, so the retry credits the full four hours of voice.
func TestDailyResetRollbackKeepsSplitSessionForRetry(t *testing.T) {
	now := time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC)

	clk := clock.NewManual(now.Add(-3 * time.Hour))
	store := &fakeStore{
		dailyFailures: 1,
		states: []models.ResetState{
			{UserID: "u1", Timezone: "UTC", LastDailyReset: now.Add(-24 * time.Hour)},
		},
	}
	trk := tracker.New(clk, trackerStore{store}, 5*time.Minute, testLogger(), nil)
	trk.StartSession("u1", "voice-1")
	clk.Set(now)

	s := newTestScheduler(clk, store, trk)
	require.Error(t, s.runDailyReset(context.Background()))
	assert.Empty(t, store.saved, "rolled-back transaction must not leave credits behind")

	clk.Advance(time.Hour)
	require.NoError(t, s.runDailyReset(context.Background()))
	trk.ReconcileGracePeriods(context.Background())

	var total int64
	for _, rec := range store.saved {
		total += rec.Seconds
	}
	assert.Equal(t, int64(4*3600), total, "pre-rollback slice plus the retry slice")
}

func TestMonthlyResetRunsForAllUsers(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	store := &fakeStore{}
	trk := tracker.New(clk, trackerStore{store}, 5*time.Minute, testLogger(), nil)
	s := newTestScheduler(clk, store, trk)

	require.NoError(t, s.runMonthlyReset(context.Background()))
	assert.Equal(t, 1, store.monthlyRuns)
	assert.Empty(t, store.dailyResets, "monthly reset must not touch daily counters")
}

func TestSameLocalDay(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	tests := []struct {
		name string
		a, b time.Time
		loc  *time.Location
		want bool
	}{
		{
			name: "same UTC day",
			a:    time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC),
			b:    time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: true,
		},
		{
			name: "crosses midnight in Tokyo but not UTC",
			a:    time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC),
			b:    time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC),
			loc:  tokyo,
			want: false,
		},
		{
			name: "different days",
			a:    time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
			b:    time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameLocalDay(tt.a, tt.b, tt.loc))
		})
	}
}

func TestNextMonthStart(t *testing.T) {
	assert.Equal(t,
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		nextMonthStart(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)))
	assert.Equal(t,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		nextMonthStart(time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC)),
		"December rolls into January of the next year")

	assert.Equal(t, time.Minute,
		untilNextMonthStart(time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC)))
}

func TestLocationFallsBackToUTC(t *testing.T) {
	clk := clock.NewManual(time.Now())
	store := &fakeStore{}
	trk := tracker.New(clk, trackerStore{store}, 5*time.Minute, testLogger(), nil)
	s := newTestScheduler(clk, store, trk)

	assert.Equal(t, time.UTC, s.location(""))
	assert.Equal(t, time.UTC, s.location("Not/AZone"))
	loc := s.location("Asia/Tokyo")
	require.NotNil(t, loc)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}
