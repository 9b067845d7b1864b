package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
)

type fakeDrainer struct {
	due    atomic.Bool
	drains atomic.Int32
}

func (f *fakeDrainer) Drain(ctx context.Context) error {
	f.drains.Add(1)
	return nil
}

func (f *fakeDrainer) HasDue(ctx context.Context) (bool, error) {
	return f.due.Load(), nil
}

type fakeScanner struct {
	scans   atomic.Int32
	paused  atomic.Bool
	resumes atomic.Int32
}

func (f *fakeScanner) Scan(ctx context.Context) error {
	f.scans.Add(1)
	return nil
}

func (f *fakeScanner) Pause() { f.paused.Store(true) }

func (f *fakeScanner) Resume(ctx context.Context) {
	f.paused.Store(false)
	f.resumes.Add(1)
}

func newTestManager() (*Manager, *fakeDrainer, *fakeScanner) {
	d := &fakeDrainer{}
	s := &fakeScanner{}
	m := NewManager(config.TriggerConfig{Enabled: true, Interval: "@every 1h"}, d, s)
	return m, d, s
}

func TestTickSkipsDrainWhenNothingDue(t *testing.T) {
	m, d, s := newTestManager()

	m.tick()
	require.Equal(t, int32(0), d.drains.Load())
	require.Equal(t, int32(1), s.scans.Load())

	d.due.Store(true)
	m.tick()
	require.Equal(t, int32(1), d.drains.Load())
}

func TestBackgroundPausesScan(t *testing.T) {
	m, d, s := newTestManager()
	d.due.Store(true)

	m.OnAppStateChange(AppStateBackground)
	require.True(t, s.paused.Load())

	// The queue still drains in the background; order sync does not scan.
	m.tick()
	require.Equal(t, int32(1), d.drains.Load())
	require.Equal(t, int32(0), s.scans.Load())

	m.OnAppStateChange(AppStateActive)
	require.False(t, s.paused.Load())
	require.Equal(t, int32(1), s.resumes.Load())
}

func TestConnectivityTransitionTriggersDrain(t *testing.T) {
	m, d, s := newTestManager()

	// Staying offline does nothing.
	m.OnConnectivityChange(false, false)
	m.OnConnectivityChange(true, false)
	require.Equal(t, int32(0), d.drains.Load())

	m.OnConnectivityChange(true, true)
	require.Eventually(t, func() bool {
		return d.drains.Load() == 1 && s.scans.Load() == 1
	}, time.Second, time.Millisecond)

	// Already online: no duplicate kick.
	m.OnConnectivityChange(true, true)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), d.drains.Load())
}

func TestManualKick(t *testing.T) {
	m, d, s := newTestManager()

	m.Kick()
	require.Equal(t, int32(1), d.drains.Load())
	require.Equal(t, int32(1), s.scans.Load())
}
