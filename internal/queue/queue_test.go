package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mixqueue/internal/core"
	"mixqueue/internal/track"
)

type stubResolver struct {
	mu      sync.Mutex
	calls   map[track.Key]int
	failing map[track.Key]bool
	delay   time.Duration
}

func newStubResolver() *stubResolver {
	return &stubResolver{
		calls:   make(map[track.Key]int),
		failing: make(map[track.Key]bool),
	}
}

func (r *stubResolver) Resolve(ctx context.Context, d *track.Descriptor) (*track.Item, error) {
	r.mu.Lock()
	r.calls[d.Key()]++
	fail := r.failing[d.Key()]
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("resolution failed")
	}
	return track.NewResolvedItem(*d, "https://streams.example/"+d.SourceID), nil
}

func (r *stubResolver) callsFor(key track.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func testConfig() core.QueueConfig {
	cfg := core.DefaultConfig().Queue
	cfg.PrepDelay = 0
	return cfg
}

func newTestQueue(t *testing.T, cfg core.QueueConfig) (*Queue, *stubResolver) {
	t.Helper()
	resolver := newStubResolver()
	return New(cfg, resolver, zap.NewNop()), resolver
}

func descriptor(id string) *track.Descriptor {
	return &track.Descriptor{
		Title:    "Track " + id,
		SourceID: id,
		Source:   "youtube",
		Duration: "3:05",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGetNextFIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	q.Add(descriptor("a"))
	q.Add(descriptor("b"))
	q.Add(descriptor("c"))

	for _, want := range []string{"a", "b", "c"} {
		got := q.GetNext()
		if got == nil || got.SourceID != want {
			t.Fatalf("GetNext() = %v, want %s", got, want)
		}
	}
	if got := q.GetNext(); got != nil {
		t.Fatalf("GetNext() on empty queue = %v, want nil", got)
	}
}

func TestPriorityLaneDrainsFirst(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	// Two FIFO tracks, then two priority tracks enqueued later. The
	// priority tracks must play first, in enqueue order.
	q.Add(descriptor("a"))
	q.Add(descriptor("b"))
	q.AddNext(descriptor("x"))
	q.AddNext(descriptor("y"))

	var got []string
	for d := q.GetNext(); d != nil; d = q.GetNext() {
		got = append(got, d.SourceID)
	}
	want := []string{"x", "y", "a", "b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("playback order = %v, want %v", got, want)
	}
}

func TestAddPriorityBatchOrder(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	q.AddNext(descriptor("solo"))
	q.AddPriorityBatch([]*track.Descriptor{
		descriptor("p0"), descriptor("p1"), descriptor("p2"),
	})

	// Batch ranks are 0..n-1; the earlier rank-0 track still wins the tie.
	var got []string
	for d := q.GetNext(); d != nil; d = q.GetNext() {
		got = append(got, d.SourceID)
	}
	want := []string{"solo", "p0", "p1", "p2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("playback order = %v, want %v", got, want)
	}
}

func TestGetNextPreparedUsesCache(t *testing.T) {
	q, resolver := newTestQueue(t, testConfig())

	d := descriptor("a")
	q.Add(d)
	waitFor(t, "background preparation", func() bool { return q.PreparedCount() == 1 })

	item := q.GetNextPrepared(context.Background())
	if item == nil || item.SourceID != "a" {
		t.Fatalf("GetNextPrepared() = %v, want track a", item)
	}
	if !item.Prepared() {
		t.Fatal("cached item should already be prepared")
	}
	if calls := resolver.callsFor(d.Key()); calls != 1 {
		t.Fatalf("resolver called %d times, want 1", calls)
	}
}

func TestGetNextPreparedSkipsUnresolvable(t *testing.T) {
	cfg := testConfig()
	cfg.Lookahead = 0 // keep everything out of the prep window
	q, resolver := newTestQueue(t, cfg)

	bad := descriptor("bad")
	resolver.failing[bad.Key()] = true
	q.Add(bad)
	q.Add(descriptor("good"))

	item := q.GetNextPrepared(context.Background())
	if item == nil || item.SourceID != "good" {
		t.Fatalf("GetNextPrepared() = %v, want track good", item)
	}
	if !q.Empty() {
		t.Fatalf("queue size = %d, want 0", q.Size())
	}
}

func TestGetNextPreparedDrainsToNil(t *testing.T) {
	cfg := testConfig()
	cfg.Lookahead = 0
	q, resolver := newTestQueue(t, cfg)

	for i := 0; i < 4; i++ {
		d := descriptor(fmt.Sprintf("bad-%d", i))
		resolver.failing[d.Key()] = true
		q.Add(d)
	}

	if item := q.GetNextPrepared(context.Background()); item != nil {
		t.Fatalf("GetNextPrepared() = %v, want nil after draining", item)
	}
	if !q.Empty() {
		t.Fatalf("queue size = %d, want 0", q.Size())
	}
}

func TestPreparationDeduplicated(t *testing.T) {
	cfg := testConfig()
	q, resolver := newTestQueue(t, cfg)
	resolver.delay = 50 * time.Millisecond

	d := descriptor("a")
	q.Add(d)
	q.AddNext(d) // same track, second schedule attempt while first runs

	waitFor(t, "preparation to finish", func() bool { return q.InflightPreparations() == 0 })
	if calls := resolver.callsFor(d.Key()); calls != 1 {
		t.Fatalf("resolver called %d times, want 1", calls)
	}
}

func TestPrepCacheDropsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.PrepCacheCapacity = 2
	cfg.Lookahead = 10
	cfg.MaxConcurrentPreparations = 10
	q, _ := newTestQueue(t, cfg)

	for i := 0; i < 5; i++ {
		q.Add(descriptor(fmt.Sprintf("t%d", i)))
	}

	waitFor(t, "preparations to settle", func() bool { return q.InflightPreparations() == 0 })
	if got := q.PreparedCount(); got != 2 {
		t.Fatalf("prepared count = %d, want capacity 2", got)
	}
}

func TestClearCancelsPreparations(t *testing.T) {
	q, resolver := newTestQueue(t, testConfig())
	resolver.delay = time.Hour // preparation blocks until cancelled

	q.Add(descriptor("a"))
	waitFor(t, "preparation to start", func() bool { return q.InflightPreparations() == 1 })

	q.Clear()
	waitFor(t, "preparation to be cancelled", func() bool { return q.InflightPreparations() == 0 })

	if !q.Empty() {
		t.Fatalf("queue size = %d, want 0", q.Size())
	}
	if got := q.PreparedCount(); got != 0 {
		t.Fatalf("prepared count = %d, want 0", got)
	}

	// Clearing again is a no-op.
	q.Clear()
}

func TestRemoveAndIndex(t *testing.T) {
	cfg := testConfig()
	cfg.Lookahead = 0
	q, _ := newTestQueue(t, cfg)

	a, b, c := descriptor("a"), descriptor("b"), descriptor("c")
	q.Add(a)
	q.Add(b)
	q.Add(c)

	if i := q.Index(b); i != 1 {
		t.Fatalf("Index(b) = %d, want 1", i)
	}
	if d := q.GetAt(2); d == nil || d.SourceID != "c" {
		t.Fatalf("GetAt(2) = %v, want c", d)
	}
	if d := q.GetAt(7); d != nil {
		t.Fatalf("GetAt(7) = %v, want nil", d)
	}

	q.RemoveBySong(b)
	q.RemoveByIndex(0)
	q.RemoveByIndex(42) // ignored

	list := q.List(-1)
	if len(list) != 1 || list[0].SourceID != "c" {
		t.Fatalf("List(-1) = %v, want [c]", list)
	}
}

func TestTimeWait(t *testing.T) {
	cfg := testConfig()
	cfg.Lookahead = 0
	q, _ := newTestQueue(t, cfg)

	q.Add(&track.Descriptor{SourceID: "a", Source: "youtube", Duration: "3:05"})
	q.Add(&track.Descriptor{SourceID: "b", Source: "youtube", Duration: "1:02:45"})

	if got := q.TimeWait(1); got != "0:03:05" {
		t.Fatalf("TimeWait(1) = %q, want 0:03:05", got)
	}
	if got := q.TimeWait(-1); got != "1:05:50" {
		t.Fatalf("TimeWait(-1) = %q, want 1:05:50", got)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	name    string
	updates *[]string
}

func (o *recordingObserver) Update(*Queue) {
	o.mu.Lock()
	*o.updates = append(*o.updates, o.name)
	o.mu.Unlock()
}

func TestObserversNotifiedInOrder(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	var updates []string
	first := &recordingObserver{name: "first", updates: &updates}
	second := &recordingObserver{name: "second", updates: &updates}
	q.Attach(first)
	q.Attach(second)

	q.Add(descriptor("a"))
	want := []string{"first", "second"}
	if fmt.Sprint(updates) != fmt.Sprint(want) {
		t.Fatalf("update order = %v, want %v", updates, want)
	}

	q.Detach(first)
	updates = updates[:0]
	q.Clear()
	if fmt.Sprint(updates) != fmt.Sprint([]string{"second"}) {
		t.Fatalf("update order after detach = %v, want [second]", updates)
	}
}

func TestApplyResolutionUpdatesQueuedTracks(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	fifoTrack := &track.Descriptor{SourceID: "f1", Source: "youtube"}
	prioTrack := &track.Descriptor{SourceID: "p1", Source: "youtube"}
	q.Add(fifoTrack)
	q.AddNext(prioTrack)

	if !q.ApplyResolution(fifoTrack.Key(), "Resolved FIFO", "0:03:05") {
		t.Fatal("ApplyResolution(fifo track) = false, want true")
	}
	if !q.ApplyResolution(prioTrack.Key(), "Resolved Priority", "0:04:00") {
		t.Fatal("ApplyResolution(priority track) = false, want true")
	}
	if q.ApplyResolution(track.Key{Source: "youtube", SourceID: "absent"}, "x", "0:00:01") {
		t.Fatal("ApplyResolution(unknown track) = true, want false")
	}

	// The originals are replaced, not written through.
	if fifoTrack.Title != "" || fifoTrack.Resolved {
		t.Fatalf("original descriptor mutated: %+v", fifoTrack)
	}

	if got := q.GetNext(); got == nil || got.Title != "Resolved Priority" || !got.Resolved {
		t.Fatalf("priority track after backfill = %+v, want resolved metadata", got)
	}
	if got := q.GetNext(); got == nil || got.Title != "Resolved FIFO" || got.Duration != "0:03:05" {
		t.Fatalf("fifo track after backfill = %+v, want resolved metadata", got)
	}
}

func TestApplyResolutionConcurrentWithReaders(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	for i := 0; i < 10; i++ {
		q.Add(&track.Descriptor{SourceID: fmt.Sprintf("t%d", i), Source: "youtube", Duration: "3:05"})
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, d := range q.List(-1) {
				_ = d.Title
				_ = d.Resolved
			}
			_ = q.TimeWait(-1)
		}
	}()

	for i := 0; i < 10; i++ {
		key := track.Key{Source: "youtube", SourceID: fmt.Sprintf("t%d", i)}
		q.ApplyResolution(key, fmt.Sprintf("Track %d", i), "0:03:05")
	}
	close(stop)
	wg.Wait()

	for _, d := range q.List(-1) {
		if !d.Resolved || d.Title == "" {
			t.Fatalf("track %s not backfilled: %+v", d.SourceID, d)
		}
	}
}

func TestClearReleasesPriorityLane(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	q.AddNext(descriptor("p1"))
	q.AddNext(descriptor("p2"))
	q.Add(descriptor("f1"))
	q.Clear()

	if got := q.Size(); got != 0 {
		t.Fatalf("size after clear = %d, want 0", got)
	}

	// The lanes are usable again after clearing.
	q.AddNext(descriptor("p3"))
	q.Add(descriptor("f2"))
	if got := q.GetNext(); got == nil || got.SourceID != "p3" {
		t.Fatalf("GetNext() after clear = %v, want p3", got)
	}
	if got := q.GetNext(); got == nil || got.SourceID != "f2" {
		t.Fatalf("GetNext() after clear = %v, want f2", got)
	}
}
