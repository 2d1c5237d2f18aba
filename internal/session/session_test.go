package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/engine/memengine"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	t       *testing.T
	reg     *memengine.Registry
	s       *Session
	changes atomic.Int32
}

type setup struct {
	mainDown bool
	catalog  memengine.Catalog
	opts     func(*Options)
	onChange func()
}

func newHarness(t *testing.T, cfg setup) *harness {
	t.Helper()
	catalog := cfg.catalog
	if catalog == nil {
		catalog = memengine.EchoCatalog(5)
	}
	reg := memengine.New(memengine.WithCatalog(catalog))
	mainState := engine.NodeUp
	if cfg.mainDown {
		mainState = engine.NodeDown
	}
	reg.AddNode("main", mainState, engine.NodeStats{})
	reg.AddNode("backup", engine.NodeUp, engine.NodeStats{Players: 10})

	opts := Defaults()
	opts.PrimaryNode = "main"
	opts.NodeReadyTimeout = 100 * time.Millisecond
	opts.JoinBackoff = time.Millisecond
	opts.ExistingPollInterval = 20 * time.Millisecond
	opts.RecoverBackoff = time.Millisecond
	if cfg.opts != nil {
		cfg.opts(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{t: t, reg: reg}
	onChange := cfg.onChange
	if onChange == nil {
		onChange = func() { h.changes.Add(1) }
	}
	h.s = New(ctx, Config{
		GuildID:  "g",
		RoomID:   "r",
		Worker:   1,
		Engine:   reg,
		Options:  opts,
		OnChange: onChange,
		Logger:   zerolog.Nop(),
	})
	return h
}

func (h *harness) connect() *memengine.Binding {
	h.t.Helper()
	_, err := h.s.EnsureConnected(context.Background())
	require.NoError(h.t, err)
	b := h.reg.SimBinding("g")
	require.NotNil(h.t, b)
	return b
}

func (h *harness) add(tracks ...engine.Track) {
	h.t.Helper()
	for _, tr := range tracks {
		require.NoError(h.t, h.s.AddTrack(tr, "alice", ""))
	}
}

func (h *harness) currentTitle() string {
	st := h.s.Status()
	if st.Current == nil {
		return ""
	}
	return st.Current.Title
}

func yt(id, title string) engine.Track  { return memengine.SimTrack("youtube", id, title) }
func sc(id, title string) engine.Track  { return memengine.SimTrack("soundcloud", id, title) }
func web(id, title string) engine.Track { return memengine.SimTrack("http", id, title) }

func upcomingTitles(st Status) []string {
	out := make([]string, 0, len(st.Upcoming))
	for _, u := range st.Upcoming {
		out = append(out, u.Title)
	}
	return out
}

func TestEnsureConnectedIsIdempotent(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	b1, err := h.s.EnsureConnected(ctx)
	require.NoError(t, err)
	b2, err := h.s.EnsureConnected(ctx)
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, 1, h.reg.Joins())
	assert.Equal(t, "main", h.s.NodeName())
	assert.Equal(t, 1, h.reg.SimBinding("g").Subscribers())
}

func TestEnsureConnectedSharesConcurrentJoin(t *testing.T) {
	h := newHarness(t, setup{})

	var wg sync.WaitGroup
	bindings := make([]engine.Binding, 8)
	for i := range bindings {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := h.s.EnsureConnected(context.Background())
			assert.NoError(t, err)
			bindings[i] = b
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.reg.Joins())
	for _, b := range bindings {
		assert.Same(t, bindings[0], b)
	}
}

func TestEnsureConnectedSurvivesFirstCallerGivingUp(t *testing.T) {
	h := newHarness(t, setup{mainDown: true, opts: func(o *Options) { o.NodeReadyTimeout = waitFor }})
	require.NoError(t, h.reg.SetNodeState("backup", engine.NodeDown))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := h.s.EnsureConnected(ctx)
		first <- err
	}()
	require.Eventually(t, h.s.Busy, waitFor, tick)

	second := make(chan error, 1)
	go func() {
		_, err := h.s.EnsureConnected(context.Background())
		second <- err
	}()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("cancelled caller kept waiting")
	}

	require.NoError(t, h.reg.SetNodeState("backup", engine.NodeUp))
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("remaining caller never connected")
	}
	assert.Equal(t, "backup", h.s.NodeName())
	assert.Equal(t, 1, h.reg.Joins())
	assert.False(t, h.s.Busy())
}

func TestEnsureConnectedFallsBackWhenPrimaryDown(t *testing.T) {
	h := newHarness(t, setup{mainDown: true})
	h.connect()
	assert.Equal(t, "backup", h.s.NodeName())
}

func TestEnsureConnectedRejoinsStaleBinding(t *testing.T) {
	h := newHarness(t, setup{})
	h.connect()
	require.NoError(t, h.reg.SetNodeState("main", engine.NodeDown))
	assert.False(t, h.s.BindingUsable())

	h.connect()
	assert.Equal(t, "backup", h.s.NodeName())
	assert.Equal(t, 2, h.reg.Joins())
}

func TestEnsureConnectedWithoutLiveNode(t *testing.T) {
	h := newHarness(t, setup{mainDown: true})
	require.NoError(t, h.reg.SetNodeState("backup", engine.NodeDown))

	_, err := h.s.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, ErrNoEngineNode)
	assert.Zero(t, h.reg.Joins())
}

func TestJoinRetriesAbortedJoins(t *testing.T) {
	h := newHarness(t, setup{})
	h.reg.FailNextJoins(engine.ErrAborted, errors.New("AbortError: This operation was aborted"))

	_, err := h.s.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.reg.Joins())
	assert.GreaterOrEqual(t, h.reg.Leaves(), 2, "leaves before every retry")
}

func TestJoinGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t, setup{})
	h.reg.FailNextJoins(engine.ErrAborted, engine.ErrAborted, engine.ErrAborted, engine.ErrAborted)

	_, err := h.s.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.False(t, h.s.HasBinding())
}

func TestJoinNonRetryableError(t *testing.T) {
	h := newHarness(t, setup{})
	h.reg.FailNextJoins(errors.New("missing permissions"))

	_, err := h.s.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.Equal(t, 0, h.reg.Leaves())
}

func TestJoinAdoptsConcurrentConnection(t *testing.T) {
	h := newHarness(t, setup{})
	h.reg.FailNextJoins(engine.ErrAlreadyConnected)

	var adopted *memengine.Binding
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		adopted = h.reg.AdoptBinding("g", "r", "main")
	}()

	b, err := h.s.EnsureConnected(context.Background())
	require.NoError(t, err)
	<-done
	assert.Same(t, adopted, b)
	assert.Zero(t, h.reg.Joins())
}

func TestJoinMovesExistingConnectionFromOtherRoom(t *testing.T) {
	h := newHarness(t, setup{})
	h.reg.AdoptBinding("g", "elsewhere", "main")

	b, err := h.s.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r", b.RoomID())
	assert.Equal(t, 1, h.reg.Leaves())
	assert.Equal(t, 1, h.reg.Joins())
}

func TestResolveUsesSourceOfBoundNode(t *testing.T) {
	h := newHarness(t, setup{})
	res, err := h.s.Resolve(context.Background(), "night drive")
	require.NoError(t, err)
	assert.Equal(t, engine.LoadSearch, res.Type)
	assert.Equal(t, "soundcloud", res.Tracks[0].Info.SourceName)

	down := newHarness(t, setup{mainDown: true})
	res, err = down.s.Resolve(context.Background(), "night drive")
	require.NoError(t, err)
	assert.Equal(t, "youtube", res.Tracks[0].Info.SourceName)

	res, err = down.s.Resolve(context.Background(), "scsearch:night drive")
	require.NoError(t, err)
	assert.Equal(t, "soundcloud", res.Tracks[0].Info.SourceName, "explicit prefix passes through")
}

func TestResolveFailures(t *testing.T) {
	h := newHarness(t, setup{catalog: memengine.StaticCatalog(map[string]*engine.LoadResult{
		"scsearch:broken": {Type: engine.LoadError, Error: "upstream 500"},
		"scsearch:hollow": {Type: engine.LoadSearch},
	})})
	ctx := context.Background()

	_, err := h.s.Resolve(ctx, "  ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	_, err = h.s.Resolve(ctx, "nothing here")
	assert.ErrorIs(t, err, ErrResolveEmpty)
	_, err = h.s.Resolve(ctx, "hollow")
	assert.ErrorIs(t, err, ErrResolveEmpty)
	_, err = h.s.Resolve(ctx, "broken")
	assert.ErrorIs(t, err, ErrResolveError)
}

func TestAddRoundTripsThroughStatus(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	res, err := h.s.Resolve(ctx, "night drive")
	require.NoError(t, err)
	first := res.Tracks[0]

	added, err := h.s.Add(ctx, "night drive", "alice#0001", AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, AddResult{Added: 1}, added)

	st := h.s.Status()
	require.Len(t, st.Upcoming, 1)
	assert.Equal(t, first.Info.Title, st.Upcoming[0].Title)
	assert.Equal(t, first.Info.URI, st.Upcoming[0].URI)
	assert.Equal(t, "alice#0001", st.Upcoming[0].Requester)
	assert.Nil(t, st.Current)
	assert.Positive(t, h.changes.Load())

	added, err = h.s.Add(ctx, "more", "bob", AddOptions{SearchTake: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, added.Added)
	assert.Equal(t, 4, h.s.Status().TotalQueue)
}

func TestAddPlaylistQueuesEverything(t *testing.T) {
	tracks := []engine.Track{yt("p1", "One"), yt("p2", "Two"), yt("p3", "Three"), {Info: engine.TrackInfo{Title: "no payload"}}}
	h := newHarness(t, setup{catalog: memengine.StaticCatalog(map[string]*engine.LoadResult{
		"https://www.youtube.com/playlist?list=PL1": {Type: engine.LoadPlaylist, Tracks: tracks, PlaylistName: "Mix"},
	})})

	added, err := h.s.Add(context.Background(), "https://www.youtube.com/playlist?list=PL1", "alice", AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, AddResult{Added: 3, Playlist: true}, added)

	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	for _, it := range h.s.queue {
		assert.Equal(t, "Mix", it.Playlist)
	}
}

func TestAddTrackRejectsMissingPayload(t *testing.T) {
	h := newHarness(t, setup{})
	assert.ErrorIs(t, h.s.AddTrack(engine.Track{}, "alice", ""), ErrInvalidTrack)
	assert.Zero(t, h.s.Status().TotalQueue)
}

func TestStatusShowsTenUpcoming(t *testing.T) {
	h := newHarness(t, setup{})
	for i := 0; i < 12; i++ {
		h.add(yt(string(rune('a'+i)), "T"))
	}
	st := h.s.Status()
	assert.Len(t, st.Upcoming, 10)
	assert.Equal(t, 12, st.TotalQueue)
}

func TestCycleLoopReturnsAfterThreeSteps(t *testing.T) {
	h := newHarness(t, setup{})
	assert.Equal(t, RepeatTrack, h.s.CycleLoop())
	assert.Equal(t, RepeatQueue, h.s.CycleLoop())
	assert.Equal(t, RepeatOff, h.s.CycleLoop())
}

func TestShufflePreservesItems(t *testing.T) {
	h := newHarness(t, setup{})
	h.s.Shuffle()
	assert.Zero(t, h.s.Status().TotalQueue)

	h.add(yt("solo", "Solo"))
	h.s.Shuffle()
	assert.Equal(t, []string{"Solo"}, upcomingTitles(h.s.Status()))

	h2 := newHarness(t, setup{})
	want := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, title := range want {
		h2.add(yt(title, title))
	}
	h2.connect()
	require.NoError(t, h2.s.PlayNextIfNeeded(context.Background(), false))
	h2.s.Shuffle()

	st := h2.s.Status()
	assert.Equal(t, "A", st.Current.Title, "current is untouched")
	got := upcomingTitles(st)
	sort.Strings(got)
	assert.Equal(t, want[1:], got)
}

func TestPlayNextOnEmptyQueueGoesIdle(t *testing.T) {
	h := newHarness(t, setup{})
	b := h.connect()

	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	assert.Nil(t, h.s.Status().Current)
	assert.Equal(t, 1, b.Stops())
	assert.Empty(t, b.Plays())
}

func TestPlayNextLeavesPlayingItemAlone(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"))
	b := h.connect()
	ctx := context.Background()

	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	assert.Equal(t, "A", h.currentTitle())
	assert.Len(t, b.Plays(), 1)
	assert.Equal(t, 100, b.Volume())
}

func TestQueueRepeatRequeuesFinishedItem(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	h.s.CycleLoop()
	h.s.CycleLoop()

	b.FinishTrack()

	require.Eventually(t, func() bool { return h.currentTitle() == "B" }, waitFor, tick)
	assert.Equal(t, []string{"A"}, upcomingTitles(h.s.Status()))
}

func TestTrackRepeatReplaysAfterNaturalEnd(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))
	h.s.CycleLoop()

	b.FinishTrack()

	require.Eventually(t, func() bool { return len(b.Plays()) == 2 }, waitFor, tick)
	assert.Equal(t, "A", h.currentTitle())
	assert.Equal(t, []string{"B"}, upcomingTitles(h.s.Status()))
}

func TestSkipAdvancesOnce(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"), yt("c1", "C"))
	b := h.connect()
	require.NoError(t, h.s.PlayNextIfNeeded(context.Background(), false))

	require.NoError(t, h.s.Skip(context.Background()))

	require.Eventually(t, func() bool { return h.currentTitle() == "B" }, waitFor, tick)
	require.Never(t, func() bool { return h.currentTitle() != "B" }, 100*time.Millisecond, tick)
	assert.Equal(t, []string{"C"}, upcomingTitles(h.s.Status()))
	assert.Equal(t, 1, b.Stops())
}

func TestStopClearsWithoutLateAdvance(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"), yt("b1", "B"))
	h.connect()
	ctx := context.Background()
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))

	require.NoError(t, h.s.Stop(ctx))
	st := h.s.Status()
	assert.Nil(t, st.Current)
	assert.Zero(t, st.TotalQueue)
	assert.False(t, st.Paused)

	h.add(yt("c1", "C"), yt("d1", "D"))
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	require.Never(t, func() bool { return h.currentTitle() != "C" }, 100*time.Millisecond, tick)
}

func TestFailedStopDoesNotSwallowLaterSkip(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"))
	b := h.connect()
	ctx := context.Background()
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))

	b.FailNextStops(errors.New("player update rejected"))
	require.NoError(t, h.s.Stop(ctx))
	require.True(t, b.Active(), "the failed stop left A loaded")

	h.add(yt("b1", "B"), yt("c1", "C"))
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	require.Equal(t, "B", h.currentTitle())

	require.NoError(t, h.s.Skip(ctx))
	require.Eventually(t, func() bool { return h.currentTitle() == "C" }, waitFor, tick)
}

func TestStopAfterNaturalEndKeepsLaterSkip(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(yt("a1", "A"))
	b := h.connect()
	ctx := context.Background()
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))

	b.FinishTrack()
	require.Eventually(t, func() bool { return h.s.Status().Current == nil }, waitFor, tick)
	require.NoError(t, h.s.Stop(ctx))

	h.add(yt("b1", "B"), yt("c1", "C"))
	require.NoError(t, h.s.PlayNextIfNeeded(ctx, false))
	require.Equal(t, "B", h.currentTitle())

	require.NoError(t, h.s.Skip(ctx))
	require.Eventually(t, func() bool { return h.currentTitle() == "C" }, waitFor, tick)
}

func TestTogglePause(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	paused, err := h.s.TogglePause(ctx)
	require.NoError(t, err)
	assert.False(t, paused, "nothing to pause without a binding")

	b := h.connect()
	paused, err = h.s.TogglePause(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.True(t, b.Paused())
	assert.True(t, h.s.Status().Paused)

	paused, _ = h.s.TogglePause(ctx)
	assert.False(t, paused)
	assert.False(t, b.Paused())
}

func TestChangeCallbackPanicIsContained(t *testing.T) {
	h := newHarness(t, setup{onChange: func() { panic("ui exploded") }})
	assert.NotPanics(t, func() { h.s.CycleLoop() })
	assert.Equal(t, RepeatTrack, h.s.Status().Repeat)
}
