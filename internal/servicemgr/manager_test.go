// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package servicemgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	Enable bool
}

func waitForState(t *testing.T, w *Watchable[Status], want LifecycleState) Status {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		s := w.Get()
		if s.State == want {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, last seen %s", want, s.State)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestManager_StartReachesRunning(t *testing.T) {
	block := make(chan struct{})
	runner := func(ctx context.Context, cfg fakeConfig, status *Watchable[Status]) error {
		<-ctx.Done()
		<-block
		return nil
	}

	m := NewManager("nat", StoppedStatus(), runner)
	require.NoError(t, m.Start("eth0", fakeConfig{Enable: true}))

	waitForState(t, m.Status("eth0"), Running)

	close(block)
	require.NoError(t, m.Stop("eth0"))
	assert.Nil(t, m.Status("eth0"))
}

func TestManager_StartTwiceFails(t *testing.T) {
	runner := func(ctx context.Context, cfg fakeConfig, status *Watchable[Status]) error {
		<-ctx.Done()
		return nil
	}
	m := NewManager("nat", StoppedStatus(), runner)
	require.NoError(t, m.Start("eth0", fakeConfig{}))
	defer m.Stop("eth0")

	waitForState(t, m.Status("eth0"), Running)
	assert.Error(t, m.Start("eth0", fakeConfig{}))
}

func TestManager_ReloadRestartsWithNewConfig(t *testing.T) {
	seen := make(chan fakeConfig, 4)
	runner := func(ctx context.Context, cfg fakeConfig, status *Watchable[Status]) error {
		seen <- cfg
		<-ctx.Done()
		return nil
	}

	m := NewManager("nat", StoppedStatus(), runner)
	require.NoError(t, m.Start("eth0", fakeConfig{Enable: false}))
	waitForState(t, m.Status("eth0"), Running)
	assert.Equal(t, fakeConfig{Enable: false}, <-seen)

	require.NoError(t, m.Reload("eth0", fakeConfig{Enable: true}))
	waitForState(t, m.Status("eth0"), Running)
	assert.Equal(t, fakeConfig{Enable: true}, <-seen)

	require.NoError(t, m.Stop("eth0"))
}

func TestManager_RunnerErrorReportsStoppedWithMessage(t *testing.T) {
	runner := func(ctx context.Context, cfg fakeConfig, status *Watchable[Status]) error {
		return errors.New("boom")
	}
	m := NewManager("nat", StoppedStatus(), runner)
	require.NoError(t, m.Start("eth0", fakeConfig{}))

	s := waitForState(t, m.Status("eth0"), Stopped)
	assert.Equal(t, "boom", s.Message)
}

func TestWatchable_SubscribeGetsLatestOnLag(t *testing.T) {
	w := NewWatchable(0)
	sub := w.Subscribe()
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		w.Send(i)
	}

	got := <-sub.C()
	assert.Equal(t, 5, got)
}
