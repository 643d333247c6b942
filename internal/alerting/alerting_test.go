package alerting

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestRunSuccess(t *testing.T) {
	notifier := &recordingNotifier{}
	a := New(notifier, testLogger(), nil)

	ok := a.Run(context.Background(), "dailyReset", func(ctx context.Context) error { return nil })
	assert.True(t, ok)
	assert.Empty(t, notifier.labels)
}

func TestRunReportsErrorWithLabel(t *testing.T) {
	notifier := &recordingNotifier{}
	a := New(notifier, testLogger(), nil)

	boom := errors.New("db down")
	ok := a.Run(context.Background(), "dailyReset", func(ctx context.Context) error { return boom })
	assert.False(t, ok)
	require.Len(t, notifier.labels, 1)
	assert.Equal(t, "dailyReset", notifier.labels[0])
	assert.ErrorIs(t, notifier.errs[0], boom)
}

func TestRunAbsorbsPanic(t *testing.T) {
	notifier := &recordingNotifier{}
	a := New(notifier, testLogger(), nil)

	assert.NotPanics(t, func() {
		ok := a.Run(context.Background(), "monthlyReset", func(ctx context.Context) error {
			panic("boom")
		})
		assert.False(t, ok)
	})
	require.Len(t, notifier.labels, 1)
	assert.Equal(t, "monthlyReset", notifier.labels[0])
}

func TestRunWithoutNotifier(t *testing.T) {
	a := New(nil, testLogger(), nil)
	ok := a.Run(context.Background(), "graceReconcile", func(ctx context.Context) error {
		return errors.New("still absorbed")
	})
	assert.False(t, ok)
}
