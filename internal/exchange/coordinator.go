// Package exchange is the orchestration layer of the task exchange: it
// validates routing against the node and run registries, assigns ids,
// derives result routing from ancestry, and enforces the submit/pull
// protocol on top of the persistence store.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-taskpost/internal/audit"
	"github.com/basket/go-taskpost/internal/bus"
	"github.com/basket/go-taskpost/internal/otel"
	"github.com/basket/go-taskpost/internal/persistence"
	"github.com/basket/go-taskpost/internal/shared"
)

// ErrInvalidSubmission is returned when a submission fails validation
// before touching the store (non-positive TTL, future created_at, stale
// payload, missing ancestry on a result).
var ErrInvalidSubmission = errors.New("invalid submission")

const (
	defaultPullLimit          = 10
	defaultMessageExpiry      = time.Hour
	defaultNodeRetentionHoriz = 30 * 24 * time.Hour
)

// Config holds Coordinator dependencies.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Bus     *bus.Bus      // may be nil
	Metrics *otel.Metrics // may be nil

	// MaxPullLimit caps the batch size of a single instruction pull.
	MaxPullLimit int
	// MessageExpiresAfter bounds submission age and requested TTL.
	MessageExpiresAfter time.Duration
	// Now is the clock; defaults to time.Now. Injected in tests.
	Now func() time.Time
}

// Coordinator is stateless orchestration over the store: it holds no
// node-affine state, so multiple serving processes can share one store.
type Coordinator struct {
	store   *persistence.Store
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics

	maxPullLimit  int
	messageExpiry time.Duration
	now           func() time.Time
}

// New creates a Coordinator with the given config.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPull := cfg.MaxPullLimit
	if maxPull <= 0 {
		maxPull = 100
	}
	expiry := cfg.MessageExpiresAfter
	if expiry <= 0 {
		expiry = defaultMessageExpiry
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:         cfg.Store,
		logger:        logger,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		maxPullLimit:  maxPull,
		messageExpiry: expiry,
		now:           now,
	}
}

// NewID returns a random nonzero int64, the id space for nodes and runs.
// Zero is reserved for the anonymous routing encoding.
func NewID() int64 {
	for {
		if v := int64(rand.Uint64()); v != 0 {
			return v
		}
	}
}

// RegisterNode creates a node with a fresh id and an initial liveness
// window of pingInterval.
func (c *Coordinator) RegisterNode(ctx context.Context, pingInterval time.Duration) (int64, error) {
	if pingInterval <= 0 {
		return 0, fmt.Errorf("%w: ping interval must be positive", ErrInvalidSubmission)
	}
	nodeID := NewID()
	now := c.now()
	if err := c.store.UpsertPing(ctx, nodeID, pingInterval, now); err != nil {
		return 0, err
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicNodeRegistered, bus.NodeEvent{
			NodeID:      nodeID,
			OnlineUntil: float64(now.Add(pingInterval).UnixNano()) / float64(time.Second),
		})
	}
	audit.Record(audit.ActionNodeRegistered, fmt.Sprintf("node:%d", nodeID), fmt.Sprintf("ping_interval=%s", pingInterval))
	c.logger.Info("node registered", "node_id", nodeID, "ping_interval", pingInterval)
	return nodeID, nil
}

// PingNode refreshes the node's liveness window to now + pingInterval.
// Pinging an unknown id registers it, so a node restarting with a kept id
// just resumes.
func (c *Coordinator) PingNode(ctx context.Context, nodeID int64, pingInterval time.Duration) error {
	if nodeID == 0 {
		return fmt.Errorf("%w: node id must be nonzero", ErrInvalidSubmission)
	}
	if pingInterval <= 0 {
		return fmt.Errorf("%w: ping interval must be positive", ErrInvalidSubmission)
	}
	if err := c.store.UpsertPing(ctx, nodeID, pingInterval, c.now()); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.NodePings.Add(ctx, 1)
	}
	return nil
}

// UnregisterNode removes the node's registry row. Pending instructions
// addressed to it stay put until they expire.
func (c *Coordinator) UnregisterNode(ctx context.Context, nodeID int64) error {
	if err := c.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	audit.Record(audit.ActionNodeDeleted, fmt.Sprintf("node:%d", nodeID), "")
	c.logger.Info("node unregistered", "node_id", nodeID)
	return nil
}

// CreateRun registers a fresh run id.
func (c *Coordinator) CreateRun(ctx context.Context) (int64, error) {
	runID := NewID()
	if err := c.store.InsertRun(ctx, runID); err != nil {
		return 0, err
	}
	audit.Record(audit.ActionRunCreated, fmt.Sprintf("run:%d", runID), "")
	c.logger.Info("run created", "run_id", runID)
	return runID, nil
}

// DeleteRun tears a run down. Without cascade it fails with
// persistence.ErrConflict while task records still reference the run.
func (c *Coordinator) DeleteRun(ctx context.Context, runID int64, cascade bool) error {
	if err := c.store.DeleteRun(ctx, runID, cascade); err != nil {
		return err
	}
	audit.Record(audit.ActionRunDeleted, fmt.Sprintf("run:%d", runID), fmt.Sprintf("cascade=%v", cascade))
	c.logger.Info("run deleted", "run_id", runID, "cascade", cascade)
	return nil
}

// OnlineNodes returns all currently online node ids, or an empty set when
// the run does not exist.
func (c *Coordinator) OnlineNodes(ctx context.Context, runID int64) ([]int64, error) {
	exists, err := c.store.RunExists(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return c.store.OnlineNodes(ctx, c.now())
}

// Submission is a producer's request to push one task instruction.
type Submission struct {
	RunID     int64
	GroupID   string
	Producer  persistence.NodeRef
	Consumer  persistence.NodeRef
	CreatedAt time.Time // zero means "now"
	TTL       time.Duration
	Ancestry  []string
	TaskType  string
	RecordSet []byte
}

// SubmitInstruction validates and persists a task instruction, returning
// its assigned id. The consumer, when specific, must be a registered node;
// it need not be online, delivery simply waits.
func (c *Coordinator) SubmitInstruction(ctx context.Context, sub Submission) (string, error) {
	now := c.now()
	if err := c.validateSubmission(&sub, now); err != nil {
		return "", err
	}
	if !sub.Consumer.IsAnonymous() {
		known, err := c.store.NodeExists(ctx, sub.Consumer.ID())
		if err != nil {
			return "", err
		}
		if !known {
			c.reject(sub.Producer, fmt.Sprintf("consumer %s not registered", sub.Consumer))
			return "", fmt.Errorf("route to %s: %w", sub.Consumer, persistence.ErrUnknownNode)
		}
	}

	rec := persistence.Record{
		ID:        uuid.NewString(),
		GroupID:   sub.GroupID,
		RunID:     sub.RunID,
		Producer:  sub.Producer,
		Consumer:  sub.Consumer,
		CreatedAt: sub.CreatedAt,
		TTL:       sub.TTL,
		Ancestry:  sub.Ancestry,
		TaskType:  sub.TaskType,
		RecordSet: sub.RecordSet,
	}
	if err := c.store.InsertInstruction(ctx, rec, now); err != nil {
		return "", err
	}
	if c.metrics != nil {
		c.metrics.InstructionsPushed.Add(ctx, 1)
	}
	c.logger.Debug("instruction pushed", "trace_id", shared.TraceID(ctx), "task_id", rec.ID, "run_id", rec.RunID, "consumer", rec.Consumer.String())
	return rec.ID, nil
}

// PullInstructions claims up to limit pending instructions for the node.
// The node must be registered; an offline node gets an empty batch so a
// consumer that stopped pinging cannot be handed work it may never ack.
func (c *Coordinator) PullInstructions(ctx context.Context, nodeID int64, limit int) ([]persistence.Record, error) {
	if nodeID == 0 {
		return nil, fmt.Errorf("%w: node id must be nonzero", ErrInvalidSubmission)
	}
	known, err := c.store.NodeExists(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("pull for node %d: %w", nodeID, persistence.ErrUnknownNode)
	}

	now := c.now()
	online, err := c.store.IsOnline(ctx, nodeID, now)
	if err != nil {
		return nil, err
	}
	if !online {
		c.logger.Debug("pull from offline node", "node_id", nodeID)
		return nil, nil
	}

	if limit <= 0 || limit > c.maxPullLimit {
		limit = min(defaultPullLimit, c.maxPullLimit)
	}

	start := time.Now()
	claimed, err := c.store.ClaimInstructions(ctx, nodeID, limit, now)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.InstructionsDelivered.Add(ctx, int64(len(claimed)))
	}
	return claimed, nil
}

// ResultSubmission is a consumer's request to push one task result. The
// run and the destination are derived from the ancestor instruction, so a
// result cannot be routed anywhere its instruction did not come from.
type ResultSubmission struct {
	GroupID   string
	Producer  persistence.NodeRef
	CreatedAt time.Time // zero means "now"
	TTL       time.Duration
	Ancestry  []string
	TaskType  string
	RecordSet []byte
}

// SubmitResult validates and persists a task result keyed by ancestry.
// Fails with persistence.ErrUnknownRun when the ancestor instruction is
// gone or its run no longer exists.
func (c *Coordinator) SubmitResult(ctx context.Context, sub ResultSubmission) (string, error) {
	now := c.now()
	if len(sub.Ancestry) == 0 {
		c.reject(sub.Producer, "result without ancestry")
		return "", fmt.Errorf("%w: result must reference its instruction", ErrInvalidSubmission)
	}
	generic := Submission{
		Producer:  sub.Producer,
		CreatedAt: sub.CreatedAt,
		TTL:       sub.TTL,
	}
	if err := c.validateSubmission(&generic, now); err != nil {
		return "", err
	}

	ancestor, err := c.store.FindInstruction(ctx, sub.Ancestry[0])
	if err != nil {
		return "", err
	}
	if ancestor == nil {
		c.reject(sub.Producer, fmt.Sprintf("ancestor %s not found", sub.Ancestry[0]))
		return "", fmt.Errorf("resolve ancestry %s: %w", sub.Ancestry[0], persistence.ErrUnknownRun)
	}
	exists, err := c.store.RunExists(ctx, ancestor.RunID)
	if err != nil {
		return "", err
	}
	if !exists {
		c.reject(sub.Producer, fmt.Sprintf("run %d gone", ancestor.RunID))
		return "", fmt.Errorf("run %d: %w", ancestor.RunID, persistence.ErrUnknownRun)
	}

	rec := persistence.Record{
		ID:        uuid.NewString(),
		GroupID:   sub.GroupID,
		RunID:     ancestor.RunID,
		Producer:  sub.Producer,
		Consumer:  ancestor.Producer, // answer goes back to whoever asked
		CreatedAt: generic.CreatedAt,
		TTL:       sub.TTL,
		Ancestry:  sub.Ancestry,
		TaskType:  sub.TaskType,
		RecordSet: sub.RecordSet,
	}
	if err := c.store.InsertResult(ctx, rec, now); err != nil {
		return "", err
	}
	if c.metrics != nil {
		c.metrics.ResultsPushed.Add(ctx, 1)
	}
	c.logger.Debug("result pushed", "trace_id", shared.TraceID(ctx), "task_id", rec.ID, "run_id", rec.RunID, "ancestry", sub.Ancestry)
	return rec.ID, nil
}

// PullResults claims all pending results answering the given instruction
// ids and garbage-collects the delivered instruction/result pairs.
func (c *Coordinator) PullResults(ctx context.Context, ancestorIDs []string) ([]persistence.Record, error) {
	claimed, err := c.store.ClaimResults(ctx, ancestorIDs, c.now())
	if err != nil {
		return nil, err
	}
	if err := c.store.DeleteDeliveredPairs(ctx, ancestorIDs); err != nil {
		// The results are already handed out; GC failure just leaves
		// rows for the next sweep.
		c.logger.Warn("delivered-pair gc failed", "error", err)
	}
	if c.metrics != nil {
		c.metrics.ResultsDelivered.Add(ctx, int64(len(claimed)))
	}
	return claimed, nil
}

// ResultsByAncestry returns pending and delivered results answering the
// given instruction id without claiming them.
func (c *Coordinator) ResultsByAncestry(ctx context.Context, ancestorID string) ([]persistence.Record, error) {
	return c.store.ResultsByAncestry(ctx, ancestorID, c.now())
}

// RecordsByGroup correlates all records of a task chain.
func (c *Coordinator) RecordsByGroup(ctx context.Context, groupID string) ([]persistence.Record, error) {
	return c.store.RecordsByGroup(ctx, groupID, c.now())
}

// SweepStats summarizes one expiry sweep.
type SweepStats struct {
	Instructions int64
	Results      int64
	Duration     time.Duration
}

// Sweep purges every task record whose TTL window has closed. Safe to run
// at any time; records it removes were already invisible to claims.
func (c *Coordinator) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	ins, res, err := c.store.PurgeExpired(ctx, c.now())
	if err != nil {
		return SweepStats{}, fmt.Errorf("sweep: %w", err)
	}
	stats := SweepStats{Instructions: ins, Results: res, Duration: time.Since(start)}
	if c.metrics != nil {
		c.metrics.TasksExpired.Add(ctx, ins+res)
		c.metrics.SweepDuration.Record(ctx, stats.Duration.Seconds())
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicSweepCompleted, bus.SweepEvent{
			Instructions: ins,
			Results:      res,
			DurationMS:   stats.Duration.Milliseconds(),
		})
	}
	if ins+res > 0 {
		c.logger.Info("sweep completed", "expired_instructions", ins, "expired_results", res, "duration", stats.Duration)
	}
	return stats, nil
}

// PruneStaleNodes removes node rows whose liveness window closed more than
// retention ago. Part of the scheduled deep sweep, not the hot path.
func (c *Coordinator) PruneStaleNodes(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = defaultNodeRetentionHoriz
	}
	start := time.Now()
	pruned, err := c.store.PruneNodes(ctx, c.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune stale nodes: %w", err)
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicSweepCompleted, bus.SweepEvent{
			Nodes:      pruned,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}
	if pruned > 0 {
		c.logger.Info("stale nodes pruned", "count", pruned, "retention", retention)
	}
	return pruned, nil
}

func (c *Coordinator) validateSubmission(sub *Submission, now time.Time) error {
	if sub.TTL <= 0 {
		c.reject(sub.Producer, "ttl must be positive")
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidSubmission)
	}
	if sub.TTL > c.messageExpiry {
		c.reject(sub.Producer, "ttl exceeds message expiry bound")
		return fmt.Errorf("%w: ttl %s exceeds bound %s", ErrInvalidSubmission, sub.TTL, c.messageExpiry)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.CreatedAt.After(now) {
		c.reject(sub.Producer, "created_at in the future")
		return fmt.Errorf("%w: created_at is in the future", ErrInvalidSubmission)
	}
	if now.Sub(sub.CreatedAt) > c.messageExpiry {
		c.reject(sub.Producer, "submission older than message expiry bound")
		return fmt.Errorf("%w: submission is older than %s", ErrInvalidSubmission, c.messageExpiry)
	}
	return nil
}

func (c *Coordinator) reject(producer persistence.NodeRef, reason string) {
	audit.Record(audit.ActionSubmitRejected, producer.String(), reason)
	if c.metrics != nil {
		c.metrics.SubmitRejects.Add(context.Background(), 1)
	}
}
