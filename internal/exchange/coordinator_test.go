package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-taskpost/internal/audit"
	"github.com/basket/go-taskpost/internal/bus"
	"github.com/basket/go-taskpost/internal/persistence"
)

// fixture wires a coordinator over a throwaway store with a settable clock.
type fixture struct {
	coord *Coordinator
	store *persistence.Store
	bus   *bus.Bus
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "exchange.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store: store,
		bus:   eventBus,
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.coord = New(Config{
		Store:               store,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Bus:                 eventBus,
		MaxPullLimit:        100,
		MessageExpiresAfter: time.Hour,
		Now:                 func() time.Time { return f.clock },
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) registerNode(t *testing.T, pingInterval time.Duration) int64 {
	t.Helper()
	id, err := f.coord.RegisterNode(context.Background(), pingInterval)
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
	return id
}

func (f *fixture) createRun(t *testing.T) int64 {
	t.Helper()
	id, err := f.coord.CreateRun(context.Background())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return id
}

func (f *fixture) submission(runID int64, consumer persistence.NodeRef) Submission {
	return Submission{
		RunID:     runID,
		GroupID:   "grp-1",
		Producer:  persistence.AnonymousNode(),
		Consumer:  consumer,
		TTL:       10 * time.Minute,
		TaskType:  "train",
		RecordSet: []byte(`{"epochs":3}`),
	}
}

func TestCoordinator_RegisterAssignsNonzeroUniqueIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		id, err := f.coord.RegisterNode(ctx, time.Minute)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if id == 0 {
			t.Fatal("node id must be nonzero")
		}
		if seen[id] {
			t.Fatalf("duplicate node id %d", id)
		}
		seen[id] = true
	}
}

func TestCoordinator_PingKeepsNodeOnlineThroughWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodeID := f.registerNode(t, 30*time.Second)
	runID := f.createRun(t)

	online, err := f.coord.OnlineNodes(ctx, runID)
	if err != nil {
		t.Fatalf("online nodes: %v", err)
	}
	if len(online) != 1 || online[0] != nodeID {
		t.Fatalf("got online %v, want [%d]", online, nodeID)
	}

	// Window closes at exactly registration + interval.
	f.advance(30 * time.Second)
	online, err = f.coord.OnlineNodes(ctx, runID)
	if err != nil {
		t.Fatalf("online nodes: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("node should be offline at window edge, got %v", online)
	}

	// A late ping brings it back.
	if err := f.coord.PingNode(ctx, nodeID, 30*time.Second); err != nil {
		t.Fatalf("ping: %v", err)
	}
	online, err = f.coord.OnlineNodes(ctx, runID)
	if err != nil {
		t.Fatalf("online nodes: %v", err)
	}
	if len(online) != 1 {
		t.Fatalf("node should be online after re-ping, got %v", online)
	}
}

func TestCoordinator_OnlineNodesUnknownRunEmpty(t *testing.T) {
	f := newFixture(t)

	online, err := f.coord.OnlineNodes(context.Background(), 4242)
	if err != nil {
		t.Fatalf("online nodes: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("unknown run should yield no nodes, got %v", online)
	}
}

func TestCoordinator_SubmitRejectsBadTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createRun(t)

	cases := []struct {
		name string
		ttl  time.Duration
	}{
		{"zero", 0},
		{"negative", -time.Second},
		{"beyond expiry bound", 2 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := f.submission(runID, persistence.AnonymousNode())
			sub.TTL = tc.ttl
			if _, err := f.coord.SubmitInstruction(ctx, sub); !errors.Is(err, ErrInvalidSubmission) {
				t.Fatalf("ttl %v: got %v, want ErrInvalidSubmission", tc.ttl, err)
			}
		})
	}
}

func TestCoordinator_SubmitRejectsFutureAndStaleCreatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createRun(t)

	sub := f.submission(runID, persistence.AnonymousNode())
	sub.CreatedAt = f.clock.Add(time.Minute)
	if _, err := f.coord.SubmitInstruction(ctx, sub); !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("future created_at: got %v, want ErrInvalidSubmission", err)
	}

	sub = f.submission(runID, persistence.AnonymousNode())
	sub.CreatedAt = f.clock.Add(-2 * time.Hour)
	if _, err := f.coord.SubmitInstruction(ctx, sub); !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("stale created_at: got %v, want ErrInvalidSubmission", err)
	}
}

func TestCoordinator_SubmitRejectsUnknownRunAndConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.submission(999, persistence.AnonymousNode())
	if _, err := f.coord.SubmitInstruction(ctx, sub); !errors.Is(err, persistence.ErrUnknownRun) {
		t.Fatalf("unknown run: got %v, want ErrUnknownRun", err)
	}

	runID := f.createRun(t)
	sub = f.submission(runID, persistence.SpecificNode(777))
	if _, err := f.coord.SubmitInstruction(ctx, sub); !errors.Is(err, persistence.ErrUnknownNode) {
		t.Fatalf("unknown consumer: got %v, want ErrUnknownNode", err)
	}
}

func TestCoordinator_SubmitToOfflineRegisteredConsumerSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	consumer := f.registerNode(t, time.Second)
	runID := f.createRun(t)
	f.advance(time.Minute) // consumer goes stale, but stays registered

	sub := f.submission(runID, persistence.SpecificNode(consumer))
	sub.CreatedAt = f.clock
	id, err := f.coord.SubmitInstruction(ctx, sub)
	if err != nil {
		t.Fatalf("submit to offline consumer: %v", err)
	}
	if id == "" {
		t.Fatal("expected assigned task id")
	}
}

func TestCoordinator_PullDeliversAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	consumer := f.registerNode(t, time.Hour)
	runID := f.createRun(t)

	sub := f.submission(runID, persistence.SpecificNode(consumer))
	taskID, err := f.coord.SubmitInstruction(ctx, sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := f.coord.PullInstructions(ctx, consumer, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(got) != 1 || got[0].ID != taskID {
		t.Fatalf("got %d records, want the submitted instruction", len(got))
	}
	if !got[0].Delivered() {
		t.Fatal("claimed record should carry a delivered timestamp")
	}

	again, err := f.coord.PullInstructions(ctx, consumer, 10)
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pull re-delivered %d records", len(again))
	}
}

func TestCoordinator_PullFromUnknownNodeFails(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coord.PullInstructions(context.Background(), 12345, 10); !errors.Is(err, persistence.ErrUnknownNode) {
		t.Fatalf("got %v, want ErrUnknownNode", err)
	}
}

func TestCoordinator_PullFromOfflineNodeYieldsEmptyBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	consumer := f.registerNode(t, time.Second)
	runID := f.createRun(t)
	if _, err := f.coord.SubmitInstruction(ctx, f.submission(runID, persistence.SpecificNode(consumer))); err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.advance(time.Minute)
	got, err := f.coord.PullInstructions(ctx, consumer, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("offline node pulled %d records, want 0", len(got))
	}

	// Back online, the instruction is still waiting.
	if err := f.coord.PingNode(ctx, consumer, time.Hour); err != nil {
		t.Fatalf("ping: %v", err)
	}
	got, err = f.coord.PullInstructions(ctx, consumer, 10)
	if err != nil {
		t.Fatalf("pull after re-ping: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records after re-ping, want 1", len(got))
	}
}

func TestCoordinator_PullLimitClampedAndOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	consumer := f.registerNode(t, time.Hour)
	runID := f.createRun(t)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := f.coord.SubmitInstruction(ctx, f.submission(runID, persistence.AnonymousNode()))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
		f.advance(time.Second) // distinct pushed_at per record
	}

	// A nonsense limit falls back to the default batch size, which still
	// covers all five here.
	got, err := f.coord.PullInstructions(ctx, consumer, -3)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d records, want 5", len(got))
	}
	for i, rec := range got {
		if rec.ID != ids[i] {
			t.Fatalf("record %d out of push order: got %s, want %s", i, rec.ID, ids[i])
		}
	}
}

func TestCoordinator_ResultRoutingDerivedFromAncestry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	producer := f.registerNode(t, time.Hour)
	consumer := f.registerNode(t, time.Hour)
	runID := f.createRun(t)

	sub := f.submission(runID, persistence.SpecificNode(consumer))
	sub.Producer = persistence.SpecificNode(producer)
	insID, err := f.coord.SubmitInstruction(ctx, sub)
	if err != nil {
		t.Fatalf("submit instruction: %v", err)
	}
	if _, err := f.coord.PullInstructions(ctx, consumer, 10); err != nil {
		t.Fatalf("consumer pull: %v", err)
	}

	resID, err := f.coord.SubmitResult(ctx, ResultSubmission{
		GroupID:   "grp-1",
		Producer:  persistence.SpecificNode(consumer),
		TTL:       10 * time.Minute,
		Ancestry:  []string{insID},
		TaskType:  "train",
		RecordSet: []byte(`{"loss":0.1}`),
	})
	if err != nil {
		t.Fatalf("submit result: %v", err)
	}

	got, err := f.coord.PullResults(ctx, []string{insID})
	if err != nil {
		t.Fatalf("pull results: %v", err)
	}
	if len(got) != 1 || got[0].ID != resID {
		t.Fatalf("got %d results, want the submitted one", len(got))
	}
	if got[0].RunID != runID {
		t.Fatalf("result run %d, want %d (inherited from instruction)", got[0].RunID, runID)
	}
	if got[0].Consumer.ID() != producer {
		t.Fatalf("result routed to %s, want node:%d", got[0].Consumer, producer)
	}
}

func TestCoordinator_SubmitResultRequiresResolvableAncestry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := ResultSubmission{
		Producer: persistence.AnonymousNode(),
		TTL:      time.Minute,
		TaskType: "train",
	}
	if _, err := f.coord.SubmitResult(ctx, res); !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("empty ancestry: got %v, want ErrInvalidSubmission", err)
	}

	res.Ancestry = []string{"no-such-instruction"}
	if _, err := f.coord.SubmitResult(ctx, res); !errors.Is(err, persistence.ErrUnknownRun) {
		t.Fatalf("dangling ancestry: got %v, want ErrUnknownRun", err)
	}
}

func TestCoordinator_PullResultsDeliversOnceAndCollectsPairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	consumer := f.registerNode(t, time.Hour)
	runID := f.createRun(t)

	insID, err := f.coord.SubmitInstruction(ctx, f.submission(runID, persistence.SpecificNode(consumer)))
	if err != nil {
		t.Fatalf("submit instruction: %v", err)
	}
	if _, err := f.coord.PullInstructions(ctx, consumer, 10); err != nil {
		t.Fatalf("pull instructions: %v", err)
	}
	if _, err := f.coord.SubmitResult(ctx, ResultSubmission{
		Producer: persistence.SpecificNode(consumer),
		TTL:      10 * time.Minute,
		Ancestry: []string{insID},
		TaskType: "train",
	}); err != nil {
		t.Fatalf("submit result: %v", err)
	}

	got, err := f.coord.PullResults(ctx, []string{insID})
	if err != nil {
		t.Fatalf("pull results: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}

	again, err := f.coord.PullResults(ctx, []string{insID})
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pull re-delivered %d results", len(again))
	}

	// The delivered pair is gone from storage entirely.
	if rec, err := f.store.FindInstruction(ctx, insID); err != nil {
		t.Fatalf("find instruction: %v", err)
	} else if rec != nil {
		t.Fatal("delivered instruction should be garbage collected after its result is pulled")
	}
}

func TestCoordinator_SweepPurgesExpiredAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runID := f.createRun(t)
	sub := f.submission(runID, persistence.AnonymousNode())
	sub.TTL = time.Minute
	if _, err := f.coord.SubmitInstruction(ctx, sub); err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := f.bus.Subscribe(bus.TopicSweepCompleted)
	defer f.bus.Unsubscribe(events)

	f.advance(2 * time.Minute)
	stats, err := f.coord.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Instructions != 1 || stats.Results != 0 {
		t.Fatalf("swept %d/%d, want 1/0", stats.Instructions, stats.Results)
	}

	select {
	case evt := <-events.Ch():
		payload, ok := evt.Payload.(bus.SweepEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", evt.Payload)
		}
		if payload.Instructions != 1 {
			t.Fatalf("event reports %d instructions, want 1", payload.Instructions)
		}
	case <-time.After(time.Second):
		t.Fatal("no sweep event published")
	}

	// Nothing left, second sweep is a no-op.
	stats, err = f.coord.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if stats.Instructions != 0 || stats.Results != 0 {
		t.Fatalf("second sweep purged %d/%d, want 0/0", stats.Instructions, stats.Results)
	}
}

func TestCoordinator_PruneStaleNodesHonorsRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.registerNode(t, time.Second)
	f.advance(48 * time.Hour)
	fresh := f.registerNode(t, time.Second)

	pruned, err := f.coord.PruneStaleNodes(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d nodes, want 1", pruned)
	}
	if exists, _ := f.store.NodeExists(ctx, stale); exists {
		t.Fatal("stale node should be pruned")
	}
	if exists, _ := f.store.NodeExists(ctx, fresh); !exists {
		t.Fatal("fresh node should survive pruning")
	}
}

func TestCoordinator_DeleteRunConflictWithoutCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runID := f.createRun(t)
	if _, err := f.coord.SubmitInstruction(ctx, f.submission(runID, persistence.AnonymousNode())); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := f.coord.DeleteRun(ctx, runID, false); !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if err := f.coord.DeleteRun(ctx, runID, true); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	if exists, _ := f.store.RunExists(ctx, runID); exists {
		t.Fatal("run should be gone after cascade delete")
	}
}

func TestCoordinator_RegisterPublishesNodeRegistered(t *testing.T) {
	f := newFixture(t)

	events := f.bus.Subscribe(bus.TopicNodeRegistered)
	defer f.bus.Unsubscribe(events)

	nodeID := f.registerNode(t, 30*time.Second)

	select {
	case evt := <-events.Ch():
		payload, ok := evt.Payload.(bus.NodeEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", evt.Payload)
		}
		if payload.NodeID != nodeID {
			t.Fatalf("event for node %d, want %d", payload.NodeID, nodeID)
		}
		wantUntil := float64(f.clock.Add(30*time.Second).UnixNano()) / float64(time.Second)
		if payload.OnlineUntil != wantUntil {
			t.Fatalf("online_until %v, want %v", payload.OnlineUntil, wantUntil)
		}
	case <-time.After(time.Second):
		t.Fatal("no node.registered event published")
	}
}

func TestCoordinator_PrunePublishesSweepEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerNode(t, time.Second)
	f.advance(48 * time.Hour)

	events := f.bus.Subscribe(bus.TopicSweepCompleted)
	defer f.bus.Unsubscribe(events)

	pruned, err := f.coord.PruneStaleNodes(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d nodes, want 1", pruned)
	}

	select {
	case evt := <-events.Ch():
		payload, ok := evt.Payload.(bus.SweepEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", evt.Payload)
		}
		if payload.Nodes != 1 {
			t.Fatalf("event reports %d pruned nodes, want 1", payload.Nodes)
		}
	case <-time.After(time.Second):
		t.Fatal("no sweep event published for the deep pass")
	}
}

func TestCoordinator_RejectedResultAttributedToProducer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("audit init: %v", err)
	}

	_, err := f.coord.SubmitResult(ctx, ResultSubmission{
		Producer: persistence.SpecificNode(42),
		TTL:      -time.Second,
		Ancestry: []string{"some-instruction"},
		TaskType: "train",
	})
	if !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("got %v, want ErrInvalidSubmission", err)
	}
	if err := audit.Close(); err != nil {
		t.Fatalf("audit close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit trail: %v", err)
	}
	if !strings.Contains(string(data), `"subject":"node:42"`) {
		t.Fatalf("rejection not attributed to submitting node: %s", data)
	}
}
