package ops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/dbopen"
	"github.com/hazyhaar/catnap/store"
	"github.com/hazyhaar/catnap/upstream"
	_ "modernc.org/sqlite"
)

// blockingFetcher parks every fetch until release is closed, so tests can
// observe the dispatcher mid-run.
type blockingFetcher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	err     error
}

func (f *blockingFetcher) FetchDetailed(ctx context.Context, key catalog.SourceKey) (*upstream.RegionFetch, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	name := fmt.Sprintf("Plan %s %d", key.URLKey(), n)
	cfg := catalog.Config{
		ID:        catalog.MakeConfigID(key.FID, key.GID, "", name),
		CountryID: key.FID,
		RegionID:  key.GID,
		Name:      name,
		Price:     catalog.Money{Amount: 10, Currency: "CNY", Period: "month"},
		Inventory: catalog.Inventory{Status: "available", Quantity: 5, CheckedAt: time.Now().UTC()},
		SourceFID: key.FID,
		SourceGID: key.GID,
	}
	cfg.Digest = catalog.ComputeDigest(cfg.Name, nil, cfg.Price)
	return &upstream.RegionFetch{
		URL:        "http://upstream.test/cart?fid=" + key.FID,
		HTTPStatus: 200,
		Bytes:      1024,
		ElapsedMs:  5,
		Configs:    []catalog.Config{cfg},
	}, nil
}

func (f *blockingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T, f Fetcher, workers int) (*Manager, *store.Store) {
	t.Helper()
	st := store.NewStore(dbopen.OpenMemory(t))
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := New(Config{
		Store:   st,
		Fetcher: f,
		Workers: workers,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestEnqueueAndWait_JoinsConcurrentSubmissions(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{})}
	m, st := newTestManager(t, fetcher, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	key := catalog.SourceKey{FID: "7", GID: "40"}

	type result struct {
		out RunOutcome
		err error
	}
	results := make(chan result, 2)
	go func() {
		out, err := m.EnqueueAndWait(ctx, key, "poll")
		results <- result{out, err}
	}()
	// The second submission arrives while the first is in flight.
	waitFor(t, "first fetch to start", func() bool { return fetcher.callCount() == 1 })
	go func() {
		out, err := m.EnqueueAndWait(ctx, key, "manual_refresh")
		results <- result{out, err}
	}()

	// Both reasons are visible on the single tracked task.
	waitFor(t, "joined reasons", func() bool {
		snap, err := m.SnapshotState(ctx, Range24h, 0, 0)
		if err != nil {
			return false
		}
		if len(snap.Tasks) != 1 {
			return false
		}
		rc := snap.Tasks[0].ReasonCounts
		return rc["poll"] == 1 && rc["manual_refresh"] == 1
	})

	close(fetcher.release)

	a := <-results
	b := <-results
	if a.err != nil || b.err != nil {
		t.Fatalf("errs: %v %v", a.err, b.err)
	}
	if a.out.RunID != b.out.RunID {
		t.Fatalf("joined submissions got different runs: %d vs %d", a.out.RunID, b.out.RunID)
	}
	if !a.out.OK || !b.out.OK {
		t.Fatalf("outcomes: %+v %+v", a.out, b.out)
	}

	if n := fetcher.callCount(); n != 1 {
		t.Fatalf("fetch called %d times, want 1", n)
	}
	runs, err := st.CountCompletedRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Fatalf("completed runs = %d, want 1", runs)
	}

	snap, err := m.SnapshotState(ctx, Range24h, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Queue.Deduped != 1 {
		t.Fatalf("deduped = %d, want 1", snap.Queue.Deduped)
	}
	if len(snap.Tasks) != 0 {
		t.Fatalf("tasks remain after finish: %+v", snap.Tasks)
	}
}

func TestEnqueueAndWait_DistinctKeysRunSeparately(t *testing.T) {
	fetcher := &blockingFetcher{}
	m, st := newTestManager(t, fetcher, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	var wg sync.WaitGroup
	for _, key := range []catalog.SourceKey{{FID: "7", GID: "40"}, {FID: "7", GID: "41"}} {
		wg.Add(1)
		go func(k catalog.SourceKey) {
			defer wg.Done()
			if _, err := m.EnqueueAndWait(ctx, k, "poll"); err != nil {
				t.Error(err)
			}
		}(key)
	}
	wg.Wait()

	runs, err := st.CountCompletedRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if runs != 2 {
		t.Fatalf("completed runs = %d, want 2", runs)
	}
}

func TestEnqueueValidation(t *testing.T) {
	m, _ := newTestManager(t, &blockingFetcher{}, 1)
	ctx := context.Background()
	if _, err := m.enqueue(ctx, catalog.SourceKey{FID: "  "}, "poll"); err == nil {
		t.Fatal("empty fid accepted")
	}
	if _, err := m.enqueue(ctx, catalog.SourceKey{FID: "7"}, " "); err == nil {
		t.Fatal("empty reason accepted")
	}
}

func TestFailedFetchRecordsErrorRun(t *testing.T) {
	fetcher := &blockingFetcher{err: fmt.Errorf("connect refused")}
	m, st := newTestManager(t, fetcher, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	out, err := m.EnqueueAndWait(ctx, catalog.SourceKey{FID: "7"}, "poll")
	if err != nil {
		t.Fatal(err)
	}
	if out.OK {
		t.Fatal("failed fetch reported ok")
	}

	var code, msg string
	err = st.DB.QueryRowContext(ctx,
		`SELECT error_code, error_message FROM ops_task_runs WHERE id = ?`, out.RunID,
	).Scan(&code, &msg)
	if err != nil {
		t.Fatal(err)
	}
	if code != "upstream_fetch" {
		t.Fatalf("error_code = %q, want upstream_fetch", code)
	}
	if msg != "connect refused" {
		t.Fatalf("error_message = %q", msg)
	}
}

func TestEventLogOrderMatchesBroadcast(t *testing.T) {
	fetcher := &blockingFetcher{}
	m, _ := newTestManager(t, fetcher, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subID, events := m.Subscribe()
	defer m.Unsubscribe(subID)

	m.Start(ctx)
	if _, err := m.EnqueueAndWait(ctx, catalog.SourceKey{FID: "7", GID: "40"}, "poll"); err != nil {
		t.Fatal(err)
	}

	// Drain what arrived; ids must be strictly increasing and match the
	// replayed rows.
	var got []store.OpsEvent
drain:
	for {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(200 * time.Millisecond):
			break drain
		}
	}
	if len(got) == 0 {
		t.Fatal("no events broadcast")
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Fatalf("broadcast ids out of order: %d then %d", got[i-1].ID, got[i].ID)
		}
	}

	replayed, err := m.ReplaySince(ctx, 0, "1970-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) < len(got) {
		t.Fatalf("replay returned %d events, broadcast saw %d", len(replayed), len(got))
	}
	for i, e := range replayed[:len(got)] {
		if e.ID != got[i].ID || e.Event != got[i].Event {
			t.Fatalf("replay[%d] = %d/%s, broadcast = %d/%s",
				i, e.ID, e.Event, got[i].ID, got[i].Event)
		}
	}
}

func TestRecordNotifyFeedsStats(t *testing.T) {
	m, _ := newTestManager(t, &blockingFetcher{}, 1)
	ctx := context.Background()

	m.RecordNotify(ctx, 1, "telegram", "success", "")
	m.RecordNotify(ctx, 1, "telegram", "error", "boom")
	m.RecordNotify(ctx, 1, "telegram", "skipped", "missing telegram config")
	m.RecordNotify(ctx, 1, "webhook", "success", "")

	stats, err := m.Stats(ctx, Range24h, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	tg := stats.Notify.Telegram
	if tg == nil {
		t.Fatal("telegram stats missing")
	}
	// Skipped attempts stay out of the delivery rate.
	if tg.Total != 2 || tg.Success != 1 || tg.Failure != 1 {
		t.Fatalf("telegram = %+v", tg)
	}
	if tg.SuccessRatePct != 50 {
		t.Fatalf("telegram rate = %v", tg.SuccessRatePct)
	}
	wh := stats.Notify.Webhook
	if wh == nil || wh.Total != 1 || wh.SuccessRatePct != 100 {
		t.Fatalf("webhook = %+v", wh)
	}
}
