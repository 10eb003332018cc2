package recordcache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/unkn0wn-root/recordcache"
	"github.com/unkn0wn-root/recordcache/backend/memory"
)

type org struct {
	ID   int
	Name string
	Tags []string
}

func orgID(o org) int { return o.ID }

// mergeOrg applies the non-zero fields of patch.
func mergeOrg(cur, patch org) org {
	if patch.Name != "" {
		cur.Name = patch.Name
	}
	if patch.Tags != nil {
		cur.Tags = patch.Tags
	}
	return cur
}

func seedOrgs(n int) []org {
	out := make([]org, n)
	for i := range out {
		out[i] = org{ID: i + 1, Name: fmt.Sprintf("Org %d", i+1)}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder is an Observer that keeps a readable trace of callbacks.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) CacheHit(_, op, key string) { r.add("hit %s %s", op, key) }
func (r *recorder) EntriesReplaced(_ string, n int) {
	r.add("replaced %d", n)
}
func (r *recorder) EntryUpserted(_, key string, inserted bool) {
	r.add("upserted %s %v", key, inserted)
}
func (r *recorder) Progress(_, op, key string, active bool) {
	r.add("progress %s %s %v", op, key, active)
}
func (r *recorder) BackendFailed(_, op, key string, _ error) {
	r.add("failed %s %s", op, key)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(ev string) bool {
	for _, e := range r.all() {
		if e == ev {
			return true
		}
	}
	return false
}

type harness struct {
	store   recordcache.Store[org, int]
	backend *memory.Backend[org, int]
	clock   *fakeClock
	obs     *recorder
}

func newHarness(t *testing.T, mutate func(*recordcache.Options[org, int], *memory.Config[org, int]), seed ...org) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), obs: &recorder{}}
	bcfg := memory.Config[org, int]{
		UID:      orgID,
		Merge:    mergeOrg,
		AssignID: func(o org, seq uint64) org { o.ID = int(seq); return o },
	}
	opts := recordcache.Options[org, int]{
		UID:           orgID,
		Namespace:     "orgs",
		AllItemsTTL:   5 * time.Minute,
		SingleItemTTL: time.Minute,
		Observer:      h.obs,
		Clock:         h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts, &bcfg)
	}
	h.backend = memory.New(bcfg, seed...)
	opts.Backend = h.backend

	s, err := recordcache.New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.store = s
	return h
}

func itemNames(items []org) []string {
	out := make([]string, len(items))
	for i, o := range items {
		out[i] = o.Name
	}
	return out
}

func TestNewValidatesOptions(t *testing.T) {
	b := memory.New(memory.Config[org, int]{UID: orgID})
	cases := map[string]recordcache.Options[org, int]{
		"no backend":   {UID: orgID},
		"no uid":       {Backend: b},
		"negative all": {Backend: b, UID: orgID, AllItemsTTL: -time.Second},
		"negative one": {Backend: b, UID: orgID, SingleItemTTL: -time.Second},
	}
	for name, opts := range cases {
		if _, err := recordcache.New(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	s, err := recordcache.New(recordcache.Options[org, int]{Backend: b, UID: orgID})
	if err != nil {
		t.Fatal(err)
	}
	if s.Namespace() != "records" {
		t.Fatalf("default namespace: %q", s.Namespace())
	}
}

func TestFetchAllRespectsTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(4)...)

	first, err := h.store.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	// system of record changes behind the cache's back
	h.backend.Put(org{ID: 5, Name: "Org 5"})

	// inclusive boundary: exactly the TTL is still fresh
	h.clock.Advance(5 * time.Minute)
	second, err := h.store.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Calls(recordcache.OpFetchAll); got != 1 {
		t.Fatalf("backend calls within ttl: %d", got)
	}
	if len(second) != len(first) || len(second) != 4 {
		t.Fatalf("cached sequence changed: %v", itemNames(second))
	}
	if !h.obs.has("hit fetch_all ") {
		t.Fatalf("missing cache hit event: %v", h.obs.all())
	}
}

func TestFetchAllExpiryStampsCompletionTime(t *testing.T) {
	ctx := context.Background()
	var clock *fakeClock
	h := newHarness(t, func(_ *recordcache.Options[org, int], b *memory.Config[org, int]) {
		// the backend call itself takes 10s of fake time
		b.BeforeCall = func(string) { clock.Advance(10 * time.Second) }
	}, seedOrgs(2)...)
	clock = h.clock

	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	h.backend.Put(org{ID: 3, Name: "Org 3"})
	h.clock.Advance(5*time.Minute + time.Nanosecond)

	start := h.clock.Now()
	items, err := h.store.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Calls(recordcache.OpFetchAll); got != 2 {
		t.Fatalf("backend calls after expiry: %d", got)
	}
	if len(items) != 3 || h.store.Len() != 3 {
		t.Fatalf("new contents: %v len=%d", itemNames(items), h.store.Len())
	}
	at, ok := h.store.CollectionFetchedAt()
	if !ok || !at.Equal(start.Add(10*time.Second)) {
		t.Fatalf("collection timestamp %v, want %v", at, start.Add(10*time.Second))
	}
}

func TestFetchAllReplacesWholeSequence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(3)...)

	// entries for ids outside the collection
	for _, id := range []int{1, 2, 3} {
		if _, err := h.store.FetchOne(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	h.backend.Delete(2)
	h.backend.Delete(3)
	h.backend.Put(org{ID: 9, Name: "Org 9"})

	items, err := h.store.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Org 1", "Org 9"}, itemNames(items)); diff != "" {
		t.Fatalf("FetchAll (-want +got):\n%s", diff)
	}
	if h.store.Len() != 2 {
		t.Fatalf("Len after replace: %d", h.store.Len())
	}
	if !h.obs.has("replaced 2") {
		t.Fatalf("missing replace event: %v", h.obs.all())
	}
}

func TestFetchAllDuplicateUIDs(t *testing.T) {
	ctx := context.Background()
	b := recordcache.BackendFuncs[org, int]{
		FetchAllFunc: func(context.Context) ([]org, error) {
			return []org{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}, {ID: 1, Name: "a2"}}, nil
		},
	}
	s, err := recordcache.New(recordcache.Options[org, int]{Backend: b, UID: orgID, AllItemsTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	items, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]org{{ID: 1, Name: "a2"}, {ID: 2, Name: "b"}}, items); diff != "" {
		t.Fatalf("dedup (-want +got):\n%s", diff)
	}
}

func TestUpsertIdempotence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(2)...)

	if _, err := h.store.FetchOne(ctx, 1); err != nil {
		t.Fatal(err)
	}
	h.backend.Put(org{ID: 1, Name: "Org 1 v2"})
	h.store.Invalidate(1)

	got, err := h.store.FetchOne(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Org 1 v2" {
		t.Fatalf("second value should win: %+v", got)
	}
	if h.store.Len() != 1 {
		t.Fatalf("Len: %d", h.store.Len())
	}
	want := []string{"upserted 1 true", "upserted 1 false"}
	var ups []string
	for _, e := range h.obs.all() {
		if len(e) > 8 && e[:8] == "upserted" {
			ups = append(ups, e)
		}
	}
	if diff := cmp.Diff(want, ups); diff != "" {
		t.Fatalf("upsert events (-want +got):\n%s", diff)
	}
}

func TestFetchOneRespectsSingleItemTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(1)...)

	if _, err := h.store.FetchOne(ctx, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)
	if _, err := h.store.FetchOne(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Calls(recordcache.OpFetchOne); got != 1 {
		t.Fatalf("calls within ttl: %d", got)
	}

	h.clock.Advance(time.Nanosecond)
	if _, err := h.store.FetchOne(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Calls(recordcache.OpFetchOne); got != 2 {
		t.Fatalf("calls after expiry: %d", got)
	}
}

func TestFetchOneDoesNotTouchCollectionTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(2)...)

	if _, err := h.store.FetchOne(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.store.CollectionFetchedAt(); ok {
		t.Fatalf("FetchOne must not mark the collection fetched")
	}
	// the single entry does not make the collection fresh
	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Calls(recordcache.OpFetchAll); got != 1 {
		t.Fatalf("FetchAll calls: %d", got)
	}
}

func TestFailureContainment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(3)...)

	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.store.Entries()
	stampBefore, _ := h.store.CollectionFetchedAt()

	boom := errors.New("backend down")
	h.clock.Advance(10 * time.Minute)
	h.backend.FailNext(recordcache.OpFetchAll, boom)
	h.backend.FailNext(recordcache.OpFetchOne, boom)
	h.backend.FailNext(recordcache.OpUpdate, boom)
	h.backend.FailNext(recordcache.OpCreate, boom)

	_, err := h.store.FetchAll(ctx)
	var opErr *recordcache.OpError
	if !errors.As(err, &opErr) || opErr.Op != recordcache.OpFetchAll || !errors.Is(err, boom) {
		t.Fatalf("FetchAll error: %v", err)
	}
	if recordcache.IsNotFound(err) {
		t.Fatalf("backend failure is not a not-found")
	}

	if _, err := h.store.FetchOne(ctx, 2); !errors.Is(err, boom) {
		t.Fatalf("FetchOne error: %v", err)
	}
	if _, err := h.store.FetchOne(ctx, 42); !recordcache.IsNotFound(err) {
		t.Fatalf("absent record: %v", err)
	}
	if _, err := h.store.Update(ctx, 1, org{ID: 1, Name: "x"}); !errors.Is(err, boom) {
		t.Fatalf("Update error: %v", err)
	}
	_, err = h.store.Create(ctx, org{Name: "Org new"})
	if !errors.As(err, &opErr) || opErr.Op != recordcache.OpCreate || !errors.Is(err, boom) {
		t.Fatalf("Create error: %v", err)
	}
	if h.store.Len() != len(before) {
		t.Fatalf("Len after failed create: %d", h.store.Len())
	}

	after := h.store.Entries()
	if len(after) != len(before) {
		t.Fatalf("entries changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Item.Name != after[i].Item.Name || !before[i].LastFetched.Equal(after[i].LastFetched) {
			t.Fatalf("entry %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	if stamp, _ := h.store.CollectionFetchedAt(); !stamp.Equal(stampBefore) {
		t.Fatalf("collection timestamp changed")
	}
	if !h.obs.has("failed fetch_one 42") || !h.obs.has("failed fetch_all ") || !h.obs.has("failed create ") {
		t.Fatalf("failure events: %v", h.obs.all())
	}
}

func TestBackendPanicIsContained(t *testing.T) {
	b := recordcache.BackendFuncs[org, int]{
		FetchOneFunc: func(context.Context, int) (org, bool, error) { panic("nil map") },
	}
	s, err := recordcache.New(recordcache.Options[org, int]{Backend: b, UID: orgID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchOne(context.Background(), 1); err == nil {
		t.Fatalf("expected error from panicking backend")
	}
	if s.Len() != 0 {
		t.Fatalf("Len: %d", s.Len())
	}
}

func TestNoAccidentalEviction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(4)...)

	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	b := h.store.Entries()[1]

	h.store.Invalidate(1)
	if _, err := h.store.FetchOne(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Update(ctx, 3, org{Name: "Org 3 renamed"}); err != nil {
		t.Fatal(err)
	}

	entries := h.store.Entries()
	if len(entries) != 4 {
		t.Fatalf("Len: %d", len(entries))
	}
	if entries[1].Item.Name != b.Item.Name || !entries[1].LastFetched.Equal(b.LastFetched) {
		t.Fatalf("entry for id 2 altered: %+v -> %+v", b, entries[1])
	}
	if entries[2].Item.Name != "Org 3 renamed" {
		t.Fatalf("update replaced in place: %+v", entries[2])
	}
}

func TestOrgScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *recordcache.Options[org, int], _ *memory.Config[org, int]) {
		o.SingleItemTTL = 60 * time.Second
	}, seedOrgs(4)...)

	got, err := h.store.FetchOne(ctx, 1)
	if err != nil || got.Name != "Org 1" {
		t.Fatalf("first fetch: %+v %v", got, err)
	}
	if h.backend.Calls(recordcache.OpFetchOne) != 1 || h.store.Len() != 1 {
		t.Fatalf("calls=%d len=%d", h.backend.Calls(recordcache.OpFetchOne), h.store.Len())
	}

	h.clock.Advance(10 * time.Second)
	again, err := h.store.FetchOne(ctx, 1)
	if err != nil || again.Name != "Org 1" || h.backend.Calls(recordcache.OpFetchOne) != 1 {
		t.Fatalf("cache hit expected: %+v %v calls=%d", again, err, h.backend.Calls(recordcache.OpFetchOne))
	}

	renamed, err := h.store.Update(ctx, 1, org{Name: "Org 1 renamed"})
	if err != nil || renamed.Name != "Org 1 renamed" || renamed.ID != 1 {
		t.Fatalf("Update: %+v %v", renamed, err)
	}
	if h.backend.Calls(recordcache.OpUpdate) != 1 {
		t.Fatalf("update calls: %d", h.backend.Calls(recordcache.OpUpdate))
	}

	h.clock.Advance(30 * time.Second)
	after, err := h.store.FetchOne(ctx, 1)
	if err != nil || after.Name != "Org 1 renamed" {
		t.Fatalf("after update: %+v %v", after, err)
	}
	if h.backend.Calls(recordcache.OpFetchOne) != 1 || h.store.Len() != 1 {
		t.Fatalf("no backend call expected: calls=%d len=%d", h.backend.Calls(recordcache.OpFetchOne), h.store.Len())
	}
}

func TestUpdateWithDivergingUID(t *testing.T) {
	ctx := context.Background()
	b := recordcache.BackendFuncs[org, int]{
		UpdateFunc: func(_ context.Context, _ int, patch org) (org, error) {
			patch.ID = 7
			return patch, nil
		},
	}
	s, err := recordcache.New(recordcache.Options[org, int]{Backend: b, UID: orgID, SingleItemTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, 1, org{ID: 1, Name: "x"}); err != nil {
		t.Fatal(err)
	}
	// the entry is keyed by what the backend returned
	got, err := s.FetchOne(ctx, 7)
	if err != nil || got.Name != "x" {
		t.Fatalf("FetchOne(7): %+v %v", got, err)
	}
}

func TestCreateAppends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(2)...)

	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	created, err := h.store.Create(ctx, org{Name: "New org"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != 3 {
		t.Fatalf("assigned id: %d", created.ID)
	}
	items := h.store.Items()
	if got := itemNames(items); len(got) != 3 || got[2] != "New org" {
		t.Fatalf("Items: %v", got)
	}

	if _, err := h.store.Create(ctx, org{ID: 1, Name: "dup"}); !errors.Is(err, recordcache.ErrExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	if h.store.Len() != 3 {
		t.Fatalf("failed create changed the cache: %d", h.store.Len())
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, seedOrgs(2)...)

	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	h.store.Invalidate(2)
	if _, err := h.store.FetchOne(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.FetchOne(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Calls(recordcache.OpFetchOne); got != 1 {
		t.Fatalf("only the invalidated entry is refetched: %d", got)
	}

	h.store.InvalidateAll()
	if _, ok := h.store.CollectionFetchedAt(); ok {
		t.Fatalf("collection still marked fetched")
	}
	if h.store.Len() != 2 {
		t.Fatalf("InvalidateAll must keep entries: %d", h.store.Len())
	}
	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Calls(recordcache.OpFetchAll); got != 2 {
		t.Fatalf("FetchAll calls: %d", got)
	}
}

func TestZeroTTLAlwaysRefetches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *recordcache.Options[org, int], _ *memory.Config[org, int]) {
		o.AllItemsTTL = 0
	}, seedOrgs(1)...)

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Millisecond)
		if _, err := h.store.FetchAll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.backend.Calls(recordcache.OpFetchAll); got != 2 {
		t.Fatalf("calls: %d", got)
	}
}

func TestFetchingAllFlag(t *testing.T) {
	ctx := context.Background()
	var store recordcache.Store[org, int]
	var during atomic.Bool
	h := newHarness(t, func(_ *recordcache.Options[org, int], b *memory.Config[org, int]) {
		b.BeforeCall = func(op string) {
			if op == recordcache.OpFetchAll {
				during.Store(store.FetchingAll())
			}
		}
	}, seedOrgs(1)...)
	store = h.store

	h.backend.FailNext(recordcache.OpFetchAll, errors.New("boom"))
	if _, err := h.store.FetchAll(ctx); err == nil {
		t.Fatal("expected error")
	}
	if !during.Load() {
		t.Fatalf("flag not set during the backend call")
	}
	if h.store.FetchingAll() {
		t.Fatalf("flag must be reset after failure")
	}

	if _, err := h.store.FetchAll(ctx); err != nil {
		t.Fatal(err)
	}
	if h.store.FetchingAll() {
		t.Fatalf("flag must be reset after success")
	}
	if !h.obs.has("progress fetch_all  true") || !h.obs.has("progress fetch_all  false") {
		t.Fatalf("progress events: %v", h.obs.all())
	}
}

func TestSingleFlightSharesBackendCalls(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var entered atomic.Int32
	h := newHarness(t, func(o *recordcache.Options[org, int], b *memory.Config[org, int]) {
		o.SingleFlight = true
		b.BeforeCall = func(string) {
			entered.Add(1)
			<-release
		}
	}, seedOrgs(3)...)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := h.store.FetchAll(ctx)
			if err == nil && len(items) != 3 {
				err = fmt.Errorf("got %d items", len(items))
			}
			errs <- err
		}()
	}

	// wait until the leader is inside the backend, give followers time to join
	for entered.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := h.backend.Calls(recordcache.OpFetchAll); got != 1 {
		t.Fatalf("backend calls with single flight: %d", got)
	}
}

func TestCloneIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *recordcache.Options[org, int], _ *memory.Config[org, int]) {
		o.Clone = func(v org) org {
			v.Tags = append([]string(nil), v.Tags...)
			return v
		}
	}, org{ID: 1, Name: "Org 1", Tags: []string{"a"}})

	got, err := h.store.FetchOne(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	got.Tags[0] = "mutated"

	again, err := h.store.FetchOne(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again.Tags[0] != "a" {
		t.Fatalf("cached record was mutated through a returned value: %v", again.Tags)
	}
}
