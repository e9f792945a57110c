package batching

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/broadcast"
	"herald/internal/logger"
	"herald/internal/variant"
	"herald/pkg/types"
)

// DefaultWindow is how long a batch stays open after its first member.
const DefaultWindow = 5 * time.Minute

// Sender delivers a message to every live connection of a user.
type Sender interface {
	SendToUser(ctx context.Context, userID string, msg broadcast.Message) (int, error)
}

// VariantAssigner picks the experiment variant for a user.
type VariantAssigner interface {
	Assign(experiment, userID string) string
}

// Route says how a submitted notification left the engine.
type Route string

const (
	RouteImmediate Route = "immediate"
	RouteBatched   Route = "batched"
)

// Reasons for immediate delivery
const (
	ReasonStrategy    = "strategy_immediate"
	ReasonNoAffinity  = "no_affinity"
	ReasonUrgent      = "urgent_priority"
	ReasonInvalidHint = "invalid_grouping_hint"
	ReasonStopped     = "engine_stopped"
)

// Decision reports what Submit did.
type Decision struct {
	Route   Route
	Reason  string
	BatchID string
	// Sent counts connections reached by an immediate delivery.
	Sent int
}

type batchState int

const (
	stateOpen batchState = iota
	stateFlushing
	stateClosed
)

func (s batchState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateFlushing:
		return "flushing"
	default:
		return "closed"
	}
}

type batchKey struct {
	userID   string
	affinity types.Affinity
	key      string
}

type batch struct {
	id        string
	bk        batchKey
	members   []types.Notification
	createdAt time.Time
	flushAt   time.Time
	timer     *time.Timer
	state     batchState
}

// Engine folds related notifications into batches and flushes each batch
// exactly once, when its window elapses, on Flush, or on Stop.
type Engine struct {
	mu       sync.Mutex
	pending  map[batchKey]*batch
	inflight sync.WaitGroup
	stopped  bool

	flushed int64
	dropped int64

	sender   Sender
	variants VariantAssigner
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Engine)

func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

func WithVariantAssigner(v VariantAssigner) Option {
	return func(e *Engine) {
		if v != nil {
			e.variants = v
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

type defaultVariant struct{}

func (defaultVariant) Assign(string, string) string { return variant.Default }

func New(sender Sender, opts ...Option) (*Engine, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	e := &Engine{
		pending:  make(map[batchKey]*batch),
		sender:   sender,
		variants: defaultVariant{},
		window:   DefaultWindow,
		now:      time.Now,
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logger.Component("batching"))
	return e, nil
}

// Submit delivers n now or folds it into a pending batch. n is expected to
// be validated and normalized.
//
// Immediate delivery applies when the strategy is immediate, the kind has no
// affinity set, the priority is urgent, or the grouping hint is malformed.
// These checks are independent: any one of them is enough.
func (e *Engine) Submit(ctx context.Context, n types.Notification) (Decision, error) {
	affinity, _ := types.AffinityOf(n.Kind)

	switch {
	case n.Strategy == types.StrategyImmediate:
		return e.deliverNow(ctx, n, ReasonStrategy)
	case affinity == types.AffinityNone:
		return e.deliverNow(ctx, n, ReasonNoAffinity)
	case n.Priority == types.PriorityUrgent:
		return e.deliverNow(ctx, n, ReasonUrgent)
	case n.GroupingHint != "" && !types.IsValidGroupingHint(n.GroupingHint):
		return e.deliverNow(ctx, n, ReasonInvalidHint)
	}

	key := n.GroupingHint
	if key == "" {
		key = string(n.Kind) + ":" + n.UserID
	}
	bk := batchKey{userID: n.UserID, affinity: affinity, key: key}
	now := e.now()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return e.deliverNow(ctx, n, ReasonStopped)
	}

	var aged *batch
	if b, ok := e.pending[bk]; ok {
		if now.Sub(b.createdAt) < e.window {
			b.members = append(b.members, n)
			size := len(b.members)
			e.mu.Unlock()

			e.logger.LogAttrs(ctx, slog.LevelDebug, "notification appended to batch",
				logger.BatchID(b.id),
				logger.UserID(n.UserID),
				slog.String("grouping_key", key),
				slog.Int("size", size),
			)
			return Decision{Route: RouteBatched, BatchID: b.id}, nil
		}
		// Window elapsed but the timer has not fired yet.
		aged = e.detachLocked(b)
	}

	b := &batch{
		id:        uuid.NewString(),
		bk:        bk,
		members:   []types.Notification{n},
		createdAt: now,
		flushAt:   now.Add(e.window),
		state:     stateOpen,
	}
	b.timer = time.AfterFunc(e.window, func() { e.fire(b) })
	e.pending[bk] = b
	e.mu.Unlock()

	e.logger.LogAttrs(ctx, slog.LevelDebug, "batch opened",
		logger.Event("batch_opened"),
		logger.BatchID(b.id),
		logger.UserID(n.UserID),
		slog.String("grouping_key", key),
		slog.String("affinity", string(affinity)),
		slog.Time("flush_at", b.flushAt),
	)

	if aged != nil {
		e.deliverBatch(ctx, aged, "window_elapsed")
		e.inflight.Done()
	}
	return Decision{Route: RouteBatched, BatchID: b.id}, nil
}

// detachLocked moves b from Open to Flushing and removes it from the
// pending set. The caller must deliver it and then call inflight.Done.
func (e *Engine) detachLocked(b *batch) *batch {
	if b.state != stateOpen {
		return nil
	}
	if e.pending[b.bk] == b {
		delete(e.pending, b.bk)
	}
	b.timer.Stop()
	b.state = stateFlushing
	e.inflight.Add(1)
	return b
}

func (e *Engine) fire(b *batch) {
	e.mu.Lock()
	if e.stopped {
		// Stop drains whatever is still pending.
		e.mu.Unlock()
		return
	}
	detached := e.detachLocked(b)
	e.mu.Unlock()

	if detached == nil {
		return
	}
	defer e.inflight.Done()
	e.deliverBatch(context.Background(), detached, "timer")
}

// Flush delivers the pending batches of userID under key now. It returns the
// number of batches flushed.
func (e *Engine) Flush(ctx context.Context, userID, key string) int {
	e.mu.Lock()
	var batches []*batch
	for bk, b := range e.pending {
		if bk.userID == userID && bk.key == key {
			if d := e.detachLocked(b); d != nil {
				batches = append(batches, d)
			}
		}
	}
	e.mu.Unlock()

	for _, b := range batches {
		e.deliverBatch(ctx, b, "manual")
		e.inflight.Done()
	}
	return len(batches)
}

// Pending returns the number of open batches.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Pending        int           `json:"pending_batches"`
	PendingMembers int           `json:"pending_notifications"`
	Flushed        int64         `json:"flushed_batches"`
	Dropped        int64         `json:"dropped_batches"`
	Window         time.Duration `json:"window"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Pending: len(e.pending),
		Flushed: e.flushed,
		Dropped: e.dropped,
		Window:  e.window,
	}
	for _, b := range e.pending {
		s.PendingMembers += len(b.members)
	}
	return s
}

// Stop cancels every batch timer and flushes all open batches synchronously,
// then waits for flushes already in progress. Notifications submitted after
// Stop are delivered immediately.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	drain := make([]*batch, 0, len(e.pending))
	for _, b := range e.pending {
		if d := e.detachLocked(b); d != nil {
			drain = append(drain, d)
		}
	}
	e.mu.Unlock()

	for _, b := range drain {
		e.deliverBatch(ctx, b, "shutdown")
		e.inflight.Done()
	}

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "batching engine stopped",
		slog.Int("drained", len(drain)),
	)
	return nil
}

func (e *Engine) deliverNow(ctx context.Context, n types.Notification, reason string) (Decision, error) {
	sent, err := e.sender.SendToUser(ctx, n.UserID, broadcast.Message{
		Kind:     string(n.Kind),
		Envelope: types.Envelope{Type: types.EnvelopeNewNotification, Data: n},
	})
	if err != nil {
		return Decision{}, err
	}

	e.logger.LogAttrs(ctx, slog.LevelDebug, "notification delivered immediately",
		logger.UserID(n.UserID),
		slog.String("kind", string(n.Kind)),
		slog.String("reason", reason),
		slog.Int("sent", sent),
	)
	return Decision{Route: RouteImmediate, Reason: reason, Sent: sent}, nil
}

// deliverBatch sends the summary of a Flushing batch and closes it. A batch
// is closed even when no connection receives it; the members remain in the
// external store for clients to backfill.
func (e *Engine) deliverBatch(ctx context.Context, b *batch, trigger string) {
	summary := e.summarize(b)
	sent, err := e.sender.SendToUser(ctx, b.bk.userID, broadcast.Message{
		Kind:     types.EnvelopeBatchSummary,
		Envelope: types.Envelope{Type: types.EnvelopeBatchSummary, Data: summary},
	})

	e.mu.Lock()
	b.state = stateClosed
	if sent == 0 {
		e.dropped++
	} else {
		e.flushed++
	}
	e.mu.Unlock()

	attrs := []slog.Attr{
		logger.BatchID(b.id),
		logger.UserID(b.bk.userID),
		slog.String("grouping_key", b.bk.key),
		slog.String("trigger", trigger),
		slog.Int("notification_count", len(b.members)),
		slog.Int("sent", sent),
	}
	switch {
	case err != nil:
		e.logger.LogAttrs(ctx, slog.LevelError, "batch flush failed",
			append(attrs, logger.Event("batch_failed"), logger.Error(err))...)
	case sent == 0:
		e.logger.LogAttrs(ctx, slog.LevelInfo, "batch closed without recipients",
			append(attrs, logger.Event("batch_dropped"))...)
	default:
		e.logger.LogAttrs(ctx, slog.LevelInfo, "batch flushed",
			append(attrs, logger.Event("batch_flushed"))...)
	}
}

// Summary is the data field of a batch_summary envelope.
type Summary struct {
	BatchID           string               `json:"batch_id"`
	UserID            string               `json:"user_id"`
	GroupingKey       string               `json:"grouping_key"`
	Kinds             []types.Kind         `json:"kinds"`
	Title             string               `json:"title"`
	Message           string               `json:"message"`
	NotificationCount int                  `json:"notification_count"`
	Notifications     []types.Notification `json:"notifications"`
	Variant           string               `json:"variant"`
	Preview           []string             `json:"preview,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	FlushedAt         time.Time            `json:"flushed_at"`
}

const previewSize = 3

func (e *Engine) summarize(b *batch) Summary {
	kinds := distinctKinds(b.members)
	title, message := renderSummary(kinds, len(b.members))
	label := e.variants.Assign(variant.BatchSummaryFormat, b.bk.userID)

	s := Summary{
		BatchID:           b.id,
		UserID:            b.bk.userID,
		GroupingKey:       b.bk.key,
		Kinds:             kinds,
		Title:             title,
		Message:           message,
		NotificationCount: len(b.members),
		Notifications:     b.members,
		Variant:           label,
		CreatedAt:         b.createdAt,
		FlushedAt:         e.now(),
	}
	if label == "detailed" {
		for _, m := range b.members[:min(previewSize, len(b.members))] {
			s.Preview = append(s.Preview, m.Title)
		}
	}
	return s
}
