package supervisor

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabsync/internal/clock"
	"collabsync/internal/model"
)

var errBoom = errors.New("boom")

type harness struct {
	clk        *clock.Fake
	sup        *Supervisor
	attempts   int
	heartbeats int
	states     []model.ConnectionState
	exhausted  error
}

func newHarness(cfg Config) *harness {
	h := &harness{clk: clock.NewFake(time.Unix(1700000000, 0))}
	h.sup = New(cfg, h.clk, func(f func()) { f() }, Hooks{
		Connect:   func() { h.attempts++ },
		Heartbeat: func() { h.heartbeats++ },
		StateChange: func(_, next model.ConnectionState) {
			h.states = append(h.states, next)
		},
		Exhausted: func(err error) { h.exhausted = err },
	}, WithRand(rand.New(rand.NewSource(1))))
	return h
}

func TestSupervisor_FiveFailuresIsTerminal(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.sup.Start()
	require.Equal(t, 1, h.attempts)

	for i := 0; i < DefaultMaxAttempts; i++ {
		h.sup.ConnectFailed(errBoom)
		h.clk.Advance(DefaultMaxDelay)
	}

	require.Equal(t, model.StateFailed, h.sup.State())
	require.Equal(t, DefaultMaxAttempts, h.attempts)
	require.ErrorIs(t, h.exhausted, ErrRetriesExhausted)
	require.Equal(t, 0, h.sup.Timers())
	require.Equal(t, 0, h.clk.Pending())

	h.clk.Advance(time.Hour)
	require.Equal(t, DefaultMaxAttempts, h.attempts, "no attempt after failed")
	require.Equal(t, []model.ConnectionState{
		model.StateConnecting, model.StateReconnecting, model.StateFailed,
	}, h.states)
}

func TestSupervisor_ConnectedStartsHeartbeat(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.sup.Start()
	h.sup.Connected()
	require.Equal(t, model.StateConnected, h.sup.State())

	h.clk.Advance(DefaultHeartbeat)
	require.Equal(t, 1, h.heartbeats)
	h.clk.Advance(2 * DefaultHeartbeat)
	require.Equal(t, 3, h.heartbeats)
	require.Equal(t, 1, h.clk.Pending())

	h.sup.Dropped(errBoom)
	require.Equal(t, model.StateReconnecting, h.sup.State())
	require.Equal(t, 2, h.attempts, "drop reconnects immediately")
	h.clk.Advance(DefaultHeartbeat)
	require.Equal(t, 3, h.heartbeats, "no heartbeat while reconnecting")
}

func TestSupervisor_SuccessResetsFailures(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.sup.Start()
	for i := 0; i < DefaultMaxAttempts-1; i++ {
		h.sup.ConnectFailed(errBoom)
		h.clk.Advance(DefaultMaxDelay)
	}
	require.Equal(t, DefaultMaxAttempts-1, h.sup.Failures())
	h.sup.Connected()
	require.Equal(t, 0, h.sup.Failures())

	h.sup.Dropped(errBoom)
	h.sup.ConnectFailed(errBoom)
	require.Equal(t, model.StateReconnecting, h.sup.State())
}

func TestSupervisor_ReconnectRearmsFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	h := newHarness(cfg)
	require.False(t, h.sup.Reconnect())

	h.sup.Start()
	h.sup.ConnectFailed(errBoom)
	require.Equal(t, model.StateFailed, h.sup.State())

	require.True(t, h.sup.Reconnect())
	require.Equal(t, model.StateConnecting, h.sup.State())
	require.Equal(t, 2, h.attempts)
	h.sup.Connected()
	require.False(t, h.sup.Reconnect())
}

func TestSupervisor_StopCancelsTimers(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.sup.Start()
	h.sup.ConnectFailed(errBoom)
	require.Equal(t, 1, h.clk.Pending())

	h.sup.Stop()
	require.Equal(t, 0, h.clk.Pending())
	require.Equal(t, model.StateDisconnected, h.sup.State())

	h.sup.Connected()
	h.sup.Start()
	h.clk.Advance(time.Hour)
	require.Equal(t, 1, h.attempts)
	require.Equal(t, 0, h.clk.Pending())
}

func TestSupervisor_DelayIsBoundedAndGrows(t *testing.T) {
	h := newHarness(DefaultConfig())
	for failures := 1; failures <= 8; failures++ {
		ceiling := DefaultBaseDelay << (failures - 1)
		if ceiling > DefaultMaxDelay {
			ceiling = DefaultMaxDelay
		}
		for i := 0; i < 50; i++ {
			d := h.sup.Delay(failures)
			require.Greater(t, d, time.Duration(0))
			require.LessOrEqual(t, d, ceiling)
		}
	}
}
