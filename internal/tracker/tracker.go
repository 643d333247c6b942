package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"housepoints/internal/clock"
	"housepoints/internal/metrics"
	"housepoints/internal/models"
)

// Store persists finalized sessions and credits their points.
type Store interface {
	SaveSession(ctx context.Context, rec models.SessionRecord) error
}

// Tracker owns all open voice sessions and grace-period entries. It is
// the single source of truth for a user's presence until a session closes
// and is persisted. Discord dispatches gateway handlers on separate
// goroutines, so every map access goes through one mutex; database writes
// happen outside it.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	store    Store
	log      *logrus.Entry
	metrics  *metrics.Metrics
	grace    time.Duration
	sessions map[string]*models.VoiceSession
	pending  map[string]time.Time
	unsaved  []models.SessionRecord
}

// New creates a tracker with the given grace window.
func New(clk clock.Clock, store Store, grace time.Duration, log *logrus.Entry, m *metrics.Metrics) *Tracker {
	return &Tracker{
		clock:    clk,
		store:    store,
		log:      log,
		metrics:  m,
		grace:    grace,
		sessions: make(map[string]*models.VoiceSession),
		pending:  make(map[string]time.Time),
	}
}

// StartSession opens a session for the user. A rejoin inside the grace
// window resumes the original session instead of starting a new one.
// Starting while a session is already open is a logged no-op; a channel
// move just updates the recorded channel.
func (t *Tracker) StartSession(userID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sess, ok := t.sessions[userID]; ok {
		if graceStart, graced := t.pending[userID]; graced {
			if t.clock.Now().Sub(graceStart) < t.grace {
				delete(t.pending, userID)
				sess.ChannelID = channelID
				t.log.WithField("user_id", userID).Debug("rejoin within grace window, session resumed")
				if t.metrics != nil {
					t.metrics.GraceResumes.Inc()
				}
				return
			}
			// The window already elapsed but reconciliation has not run
			// yet. Close the old session at the departure instant and
			// fall through to a fresh one; the next reconcile persists it.
			t.unsaved = append(t.unsaved, finalize(sess, graceStart))
			delete(t.sessions, userID)
			delete(t.pending, userID)
			if t.metrics != nil {
				t.metrics.GraceExpiries.Inc()
			}
		} else {
			if sess.ChannelID != channelID {
				sess.ChannelID = channelID
				return
			}
			t.log.WithField("user_id", userID).Warn("start ignored, session already open")
			return
		}
	}

	t.sessions[userID] = &models.VoiceSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChannelID: channelID,
		JoinedAt:  t.clock.Now(),
	}
	t.log.WithFields(logrus.Fields{"user_id": userID, "channel_id": channelID}).Info("voice session started")
	if t.metrics != nil {
		t.metrics.SessionsStarted.Inc()
		t.metrics.OpenSessions.Set(float64(len(t.sessions)))
	}
}

// EndSession marks a departure. The session stays open in memory under a
// grace-period entry; it is finalized only once the window expires.
func (t *Tracker) EndSession(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[userID]; !ok {
		t.log.WithField("user_id", userID).Debug("leave for unknown session ignored")
		return
	}
	if _, ok := t.pending[userID]; ok {
		return
	}
	t.pending[userID] = t.clock.Now()
	t.log.WithField("user_id", userID).Debug("grace period started")
}

// ReconcileGracePeriods finalizes every grace entry older than the window,
// crediting the session up to the instant the user left. Records that fail
// to persist are retried on the next invocation. Returns how many sessions
// were finalized.
func (t *Tracker) ReconcileGracePeriods(ctx context.Context) int {
	now := t.clock.Now()

	t.mu.Lock()
	due := t.unsaved
	t.unsaved = nil
	for userID, graceStart := range t.pending {
		if now.Sub(graceStart) < t.grace {
			continue
		}
		sess := t.sessions[userID]
		due = append(due, finalize(sess, graceStart))
		delete(t.sessions, userID)
		delete(t.pending, userID)
		if t.metrics != nil {
			t.metrics.GraceExpiries.Inc()
		}
	}
	if t.metrics != nil {
		t.metrics.OpenSessions.Set(float64(len(t.sessions)))
	}
	t.mu.Unlock()

	return t.persist(ctx, due)
}

// ForceCloseAndReopen splits a user's open session at the given instant:
// the slice up to the boundary is returned for the caller to persist, and
// a fresh session starting at the same instant takes its place so presence
// is continuously tracked. A user who is inside the grace window already
// left, so their session is finalized at the grace start and not reopened.
// The second return is false when the user has no open session.
func (t *Tracker) ForceCloseAndReopen(userID string, at time.Time) (models.SessionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[userID]
	if !ok {
		return models.SessionRecord{}, false
	}

	if graceStart, graced := t.pending[userID]; graced {
		rec := finalize(sess, graceStart)
		delete(t.sessions, userID)
		delete(t.pending, userID)
		if t.metrics != nil {
			t.metrics.GraceExpiries.Inc()
			t.metrics.OpenSessions.Set(float64(len(t.sessions)))
		}
		return rec, true
	}

	rec := finalize(sess, at)
	t.sessions[userID] = &models.VoiceSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChannelID: sess.ChannelID,
		JoinedAt:  at,
	}
	return rec, true
}

// Requeue hands back records whose surrounding transaction rolled back,
// so the next reconcile persists them. The reset scheduler uses it when a
// daily reset aborts after sessions were already split: the split stays
// in memory, and the closed slices must not be lost with the transaction.
func (t *Tracker) Requeue(recs []models.SessionRecord) {
	if len(recs) == 0 {
		return
	}
	t.mu.Lock()
	t.unsaved = append(t.unsaved, recs...)
	t.mu.Unlock()
}

// OpenSessions reports how many sessions are currently open.
func (t *Tracker) OpenSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Drain finalizes everything: pending grace entries at their grace start,
// open sessions at the current instant. Called once at shutdown so no
// in-flight voice time is silently lost.
func (t *Tracker) Drain(ctx context.Context) error {
	now := t.clock.Now()

	t.mu.Lock()
	due := t.unsaved
	t.unsaved = nil
	for userID, sess := range t.sessions {
		leftAt := now
		if graceStart, ok := t.pending[userID]; ok {
			leftAt = graceStart
		}
		due = append(due, finalize(sess, leftAt))
	}
	t.sessions = make(map[string]*models.VoiceSession)
	t.pending = make(map[string]time.Time)
	if t.metrics != nil {
		t.metrics.OpenSessions.Set(0)
	}
	t.mu.Unlock()

	saved := t.persist(ctx, due)
	if saved != len(due) {
		return fmt.Errorf("drained %d of %d open sessions", saved, len(due))
	}
	t.log.WithField("sessions", saved).Info("tracker drained")
	return nil
}

func (t *Tracker) persist(ctx context.Context, due []models.SessionRecord) int {
	saved := 0
	for _, rec := range due {
		if err := t.store.SaveSession(ctx, rec); err != nil {
			t.log.WithError(err).WithField("user_id", rec.UserID).Error("failed to persist session")
			t.mu.Lock()
			t.unsaved = append(t.unsaved, rec)
			t.mu.Unlock()
			continue
		}
		saved++
		if t.metrics != nil {
			t.metrics.SessionsFinalized.Inc()
		}
		t.log.WithFields(logrus.Fields{
			"user_id": rec.UserID,
			"seconds": rec.Seconds,
			"points":  rec.Points,
		}).Info("voice session finalized")
	}
	return saved
}

// finalize closes a session at leftAt. Points accrue at one per full
// minute of voice time.
func finalize(sess *models.VoiceSession, leftAt time.Time) models.SessionRecord {
	seconds := int64(leftAt.Sub(sess.JoinedAt).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return models.SessionRecord{
		ID:        sess.ID,
		UserID:    sess.UserID,
		ChannelID: sess.ChannelID,
		JoinedAt:  sess.JoinedAt,
		LeftAt:    leftAt,
		Seconds:   seconds,
		Points:    seconds / 60,
	}
}
