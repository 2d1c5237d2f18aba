package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/multiroom/internal/engine"
)

func TestExceptionUnderTrackRepeatAdvances(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	h.s.CycleLoop()

	b.Exception("decoder blew up")

	require.Eventually(t, func() bool { return h.currentTitle() == "B" }, waitFor, tick)
	assert.Equal(t, []string{"sim:youtube:a1", "sim:youtube:b1"}, b.Plays())
	assert.True(t, h.s.Failed("a1"))
}

func TestExceptionOnLastItemGoesIdle(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	b.Stuck("no frames for 10s")

	require.Eventually(t, func() bool { return h.s.Status().Current == nil }, waitFor, tick)
	assert.Len(t, b.Plays(), 1)
}

func TestUnavailableItemIsReplacedByAlternative(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "Song A"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	b.Exception("This video is unavailable")

	require.Eventually(t, func() bool { return len(b.Plays()) == 2 }, waitFor, tick)
	assert.Equal(t, "sim:youtube:song_a_sim-0", b.Plays()[1])
	assert.Equal(t, "Song A sim", h.currentTitle())
	assert.Equal(t, "alice", h.s.Status().Current.Requester)
}

func TestFailingPrimarySourceItemSwitchesToFallback(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(sc("sc1", "Song C"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	require.Contains(t, h.s.Status().Current.URI, "soundcloud.com")

	b.Exception("connection reset by peer")

	require.Eventually(t, func() bool { return len(b.Plays()) == 2 }, waitFor, tick)
	assert.Equal(t, "sim:youtube:song_c_sim-0", b.Plays()[1])
}

func TestPrimarySourceItemConvertedOffPrimary(t *testing.T) {
	h := newHarness(t, setup{mainDown: true})
	h.add(sc("sc1", "Song C"))
	b := h.connect()

	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	cur := h.s.Status().Current
	require.NotNil(t, cur)
	assert.Equal(t, "Song C sim", cur.Title)
	assert.Equal(t, "alice", cur.Requester)
	assert.Equal(t, []string{"sim:youtube:song_c_sim-0"}, b.Plays())
}

func TestPrimarySourceItemKeptWithoutFallback(t *testing.T) {
	h := newHarness(t, setup{mainDown: true, opts: func(o *Options) { o.PrimarySourceFallback = false }})
	h.add(sc("sc1", "Song C"))
	b := h.connect()

	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	assert.Equal(t, []string{"sim:soundcloud:sc1"}, b.Plays())
}

func TestPlayFailureRebindsAndRetriesOnce(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"))
	b := h.connect()
	b.FailNextPlays(errors.New("player update rejected"))

	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	assert.Equal(t, []string{"sim:youtube:a1"}, h.reg.SimBinding("g").Plays())
	assert.False(t, h.s.NodeDown())
	assert.Nil(t, h.s.PendingSnapshot())
	assert.Equal(t, "A", h.currentTitle())
}

func TestNodeLossIsCapturedOnce(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"))
	h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	h.s.MarkNodeDown("node main closed")
	first := h.s.PendingSnapshot()
	require.NotNil(t, first)
	h.s.MarkNodeDown("node main disconnected")

	assert.Same(t, first, h.s.PendingSnapshot())
	assert.True(t, h.s.NodeDown())
	assert.False(t, h.s.HasBinding())
	assert.Equal(t, "A", first.Current.Title)
}

func TestRecoverRestoresPlayback(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"))
	b := h.connect()
	ctx := context.Background()
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	b.Advance(42 * time.Second)
	_, err := h.s.TogglePause(ctx)
	require.NoError(t, err)
	h.s.CycleLoop()
	h.s.CycleLoop()

	require.NoError(t, h.reg.SetNodeState("main", engine.NodeDown))
	h.s.MarkNodeDown("node main closed")

	ok, err := h.s.RecoverIfNeeded(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	nb := h.reg.SimBinding("g")
	require.NotNil(t, nb)
	assert.NotSame(t, b, nb)
	assert.Equal(t, "backup", h.s.NodeName())
	assert.Equal(t, []string{"sim:youtube:a1"}, nb.Plays())
	assert.Equal(t, []time.Duration{42 * time.Second}, nb.Seeks())
	assert.True(t, nb.Paused())

	st := h.s.Status()
	assert.Equal(t, "A", st.Current.Title)
	assert.Equal(t, []string{"B"}, upcomingTitles(st))
	assert.Equal(t, RepeatQueue, st.Repeat)
	assert.True(t, st.Paused)
	assert.False(t, st.NodeDown)
	assert.Nil(t, h.s.PendingSnapshot())
}

func TestRecoverWithoutSnapshotIsNoop(t *testing.T) {
	h := newHarness(t, setup{})
	ok, err := h.s.RecoverIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, h.reg.Joins())
}

func TestRecoverKeepsSnapshotWhenNoNodeComesBack(t *testing.T) {
	h := newHarness(t, setup{opts: func(o *Options) {
		o.RecoverAttempts = 2
		o.NodeReadyTimeout = 10 * time.Millisecond
	}})
	h.add(yt("a1", "A"))
	h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	require.NoError(t, h.reg.SetNodeState("main", engine.NodeDown))
	require.NoError(t, h.reg.SetNodeState("backup", engine.NodeDown))
	h.s.MarkNodeDown("everything is gone")

	ok, err := h.s.RecoverIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotNil(t, h.s.PendingSnapshot())

	require.NoError(t, h.reg.SetNodeState("backup", engine.NodeUp))
	ok, err = h.s.RecoverIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A", h.currentTitle())
}

func TestManualPlayDropsStaleSnapshot(t *testing.T) {
	h := newHarness(t, setup{opts: func(o *Options) {
		o.RecoverAttempts = 1
		o.NodeReadyTimeout = 10 * time.Millisecond
	}})
	h.add(web("a1", "A"), web("b1", "B"), web("c1", "C"))
	b := h.connect()
	ctx := context.Background()
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	b.Advance(42 * time.Second)

	require.NoError(t, h.reg.SetNodeState("main", engine.NodeDown))
	require.NoError(t, h.reg.SetNodeState("backup", engine.NodeDown))
	h.s.MarkNodeDown("everything is gone")
	ok, err := h.s.RecoverIfNeeded(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, h.s.PendingSnapshot())

	// Someone presses play once the backup is back.
	require.NoError(t, h.reg.SetNodeState("backup", engine.NodeUp))
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	assert.Equal(t, "B", h.currentTitle())
	assert.Nil(t, h.s.PendingSnapshot())
	assert.False(t, h.s.NodeDown())

	require.NoError(t, h.reg.SetNodeState("main", engine.NodeUp))
	ok, err = h.s.MigrateBackToPrimary(ctx, true, true)
	require.NoError(t, err)
	require.True(t, ok, "nothing left to recover")
	assert.Equal(t, "main", h.s.NodeName())

	require.NoError(t, h.reg.SetNodeState("main", engine.NodeDown))
	h.s.MarkNodeDown("main lost again")
	snap := h.s.PendingSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "https://http.example/b1", snap.Current.URI)

	ok, err = h.s.RecoverIfNeeded(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	nb := h.reg.SimBinding("g")
	assert.Equal(t, "backup", h.s.NodeName())
	assert.Len(t, nb.Plays(), 1)
	assert.Empty(t, nb.Seeks(), "the old position is gone")
	st := h.s.Status()
	assert.Equal(t, "https://http.example/b1", st.Current.URI)
	assert.Equal(t, []string{"C"}, upcomingTitles(st))
}

func TestStopDropsPendingSnapshot(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"))
	h.connect()
	ctx := context.Background()
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))

	h.s.MarkNodeDown("node main closed")
	require.NotNil(t, h.s.PendingSnapshot())
	require.NoError(t, h.s.Stop(ctx))
	assert.Nil(t, h.s.PendingSnapshot())

	ok, err := h.s.RecoverIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	st := h.s.Status()
	assert.Nil(t, st.Current)
	assert.Zero(t, st.TotalQueue)
}

func TestClosedPlayerRecoversByItself(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	b.Close("voice websocket closed: 4006")

	require.Eventually(t, func() bool {
		nb := h.reg.SimBinding("g")
		return nb != nil && len(nb.Plays()) == 2 && h.s.PendingSnapshot() == nil
	}, waitFor, tick)
	assert.Equal(t, "A", h.currentTitle())
	assert.False(t, h.s.NodeDown())
}

func TestMigrateBackFromIdleSession(t *testing.T) {
	h := newHarness(t, setup{mainDown: true, opts: func(o *Options) { o.MigrateBack = true }})
	h.connect()
	require.NoError(t, h.reg.SetNodeState("main", engine.NodeUp))

	ok, err := h.s.MigrateBackToPrimary(context.Background(), true, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "main", h.s.NodeName())
	assert.False(t, h.s.MigrationRequested())
}

func TestMigrateBackDisabled(t *testing.T) {
	h := newHarness(t, setup{mainDown: true})
	h.connect()
	require.NoError(t, h.reg.SetNodeState("main", engine.NodeUp))

	ok, err := h.s.MigrateBackToPrimary(context.Background(), true, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "backup", h.s.NodeName())

	h.s.RequestMigrateBack("primary ready")
	assert.False(t, h.s.MigrationRequested())

	ok, err = h.s.MigrateBackToPrimary(context.Background(), true, true)
	require.NoError(t, err)
	assert.True(t, ok, "force ignores the setting")
	assert.Equal(t, "main", h.s.NodeName())
}

func TestMigrateBackDefersForFallbackItems(t *testing.T) {
	h := newHarness(t, setup{mainDown: true, opts: func(o *Options) { o.MigrateBack = true }})
	h.add(yt("y1", "Y"))
	h.connect()
	require.NoError(t, h.reg.SetNodeState("main", engine.NodeUp))

	ok, err := h.s.MigrateBackToPrimary(context.Background(), true, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, h.s.MigrationRequested())
	assert.Equal(t, "backup", h.s.NodeName())

	allow := newHarness(t, setup{mainDown: true, opts: func(o *Options) {
		o.MigrateBack = true
		o.MigrateBackAllowFallbackSource = true
	}})
	allow.add(yt("y1", "Y"))
	allow.connect()
	require.NoError(t, allow.reg.SetNodeState("main", engine.NodeUp))

	ok, err = allow.s.MigrateBackToPrimary(context.Background(), true, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"Y"}, upcomingTitles(allow.s.Status()))
}

func TestRequestedMigrationHappensBetweenItems(t *testing.T) {
	h := newHarness(t, setup{mainDown: true, opts: func(o *Options) { o.MigrateBack = true }})
	h.add(web("x1", "X"), web("y1", "Y"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	require.NoError(t, h.reg.SetNodeState("main", engine.NodeUp))
	h.s.RequestMigrateBack("primary ready")
	require.True(t, h.s.MigrationRequested())

	b.FinishTrack()

	require.Eventually(t, func() bool {
		return h.s.NodeName() == "main" && h.currentTitle() == "Y"
	}, waitFor, tick)
	assert.False(t, h.s.MigrationRequested())
	assert.Equal(t, []string{"sim:http:y1"}, h.reg.SimBinding("g").Plays())
}

func TestMigrateBackResumesCurrentItem(t *testing.T) {
	h := newHarness(t, setup{mainDown: true, opts: func(o *Options) { o.MigrateBack = true }})
	h.add(web("x1", "X"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	b.Advance(30 * time.Second)
	require.NoError(t, h.reg.SetNodeState("main", engine.NodeUp))

	ok, err := h.s.MigrateBackToPrimary(context.Background(), true, false)
	require.NoError(t, err)
	require.True(t, ok)

	nb := h.reg.SimBinding("g")
	assert.Equal(t, "main", h.s.NodeName())
	require.Len(t, nb.Plays(), 1)
	assert.Equal(t, []time.Duration{30 * time.Second}, nb.Seeks())
	assert.Equal(t, "https://http.example/x1", h.s.Status().Current.URI)
}

func TestMigrateBackRestartsCurrentItem(t *testing.T) {
	h := newHarness(t, setup{mainDown: true, opts: func(o *Options) { o.MigrateBack = true }})
	h.add(web("x1", "X"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	b.Advance(30 * time.Second)
	require.NoError(t, h.reg.SetNodeState("main", engine.NodeUp))

	ok, err := h.s.MigrateBackToPrimary(context.Background(), false, false)
	require.NoError(t, err)
	require.True(t, ok)

	nb := h.reg.SimBinding("g")
	assert.Equal(t, []string{"sim:http:x1"}, nb.Plays())
	assert.Empty(t, nb.Seeks())
}
