package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/crossyield-keeper/internal/model"
)

type blockingHandler struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	mu      sync.Mutex
	trigs   []model.Trigger
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan struct{}, 10), release: make(chan struct{})}
}

func (h *blockingHandler) Handle(_ context.Context, trig model.Trigger) (model.CycleResult, error) {
	h.calls.Add(1)
	h.mu.Lock()
	h.trigs = append(h.trigs, trig)
	h.mu.Unlock()
	h.started <- struct{}{}
	<-h.release
	return model.CycleResult{Status: model.CycleStatusSuccess}, nil
}

type instantHandler struct {
	calls atomic.Int32
	err   error
}

func (h *instantHandler) Handle(_ context.Context, trig model.Trigger) (model.CycleResult, error) {
	h.calls.Add(1)
	return model.CycleResult{Status: model.CycleStatusSuccess, Timestamp: trig.ScheduledTime}, h.err
}

type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 */10 * * * *", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"not a schedule", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s, err := New("0 */10 * * * *", &instantHandler{}, logger)
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 0, 3, 17, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC), s.Next(from))
}

func TestTriggerNow_RejectsOverlap(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := newBlockingHandler()

	var rejected atomic.Int32
	s := NewWithSchedule(everySchedule(time.Hour), h, logger).OnReject(func(string) { rejected.Add(1) })

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow(context.Background(), "manual")
		done <- err
	}()
	<-h.started

	_, err := s.TriggerNow(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrCycleRunning)
	assert.Equal(t, int32(1), rejected.Load())

	close(h.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), h.calls.Load())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.trigs, 1)
	assert.False(t, h.trigs[0].ScheduledTime.IsZero(), "manual triggers carry a scheduled time")
	assert.Equal(t, "manual", h.trigs[0].Source)
}

func TestRun_FiresUntilCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := &instantHandler{err: errors.New("boom")}

	var results atomic.Int32
	s := NewWithSchedule(everySchedule(10*time.Millisecond), h, logger).OnResult(func(_ model.CycleResult, err error) {
		assert.Error(t, err)
		results.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return h.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.GreaterOrEqual(t, results.Load(), int32(3), "a failed cycle does not stop the schedule")
}

func TestStart_RunsInBackground(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := newBlockingHandler()
	s := NewWithSchedule(everySchedule(time.Hour), h, logger)

	require.NoError(t, s.Start(context.Background(), "manual"))
	<-h.started

	assert.ErrorIs(t, s.Start(context.Background(), "manual"), ErrCycleRunning)
	_, err := s.TriggerNow(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(h.release)
	require.Eventually(t, func() bool {
		return s.Start(context.Background(), "manual") == nil
	}, time.Second, 5*time.Millisecond, "the lock is released once the cycle ends")
	<-h.started
}
