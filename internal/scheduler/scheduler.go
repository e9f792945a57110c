package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/batching"
	"herald/internal/logger"
	"herald/pkg/interfaces"
	"herald/pkg/types"
)

// Defaults
const (
	DefaultLookahead      = time.Minute
	DefaultTTLBuffer      = time.Minute
	DefaultRescanInterval = 30 * time.Second
)

// Submitter receives due notifications. The batching engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, n types.Notification) (batching.Decision, error)
}

// Scheduler stages notifications for later delivery. The store is the
// source of truth: entries are persisted before anything is armed, and an
// in-process timer exists only for entries due within the lookahead.
// Periodic rescans pick up everything else, including entries left behind
// by a previous process.
type Scheduler struct {
	store  interfaces.ScheduleStore
	submit Submitter

	lookahead      time.Duration
	ttlBuffer      time.Duration
	rescanInterval time.Duration

	mu     sync.Mutex
	armed  map[string]*time.Timer
	firing map[string]struct{}
	// undeleted holds entries that fired but whose store delete failed, so
	// rescans retry the delete instead of firing them again.
	undeleted map[string]struct{}
	// handled holds fired and cancelled IDs until the given expiry so a
	// rescan that read the store before the delete cannot arm them again.
	handled  map[string]time.Time
	stopped  bool
	inflight sync.WaitGroup

	scheduled int64
	fired     int64
	cancelled int64

	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Scheduler)

func WithLookahead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lookahead = d
		}
	}
}

func WithTTLBuffer(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.ttlBuffer = d
		}
	}
}

func WithRescanInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.rescanInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(store interfaces.ScheduleStore, submit Submitter, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if submit == nil {
		return nil, ErrNilSubmitter
	}

	s := &Scheduler{
		store:          store,
		submit:         submit,
		lookahead:      DefaultLookahead,
		ttlBuffer:      DefaultTTLBuffer,
		rescanInterval: DefaultRescanInterval,
		armed:          make(map[string]*time.Timer),
		firing:         make(map[string]struct{}),
		undeleted:      make(map[string]struct{}),
		handled:        make(map[string]time.Time),
		now:            time.Now,
		logger:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("scheduler"))
	return s, nil
}

// Schedule persists n for delivery at fireAt and returns the schedule ID.
// If the store cannot be written the call fails with ErrStoreUnavailable;
// nothing is kept in memory only.
func (s *Scheduler) Schedule(ctx context.Context, n types.Notification, fireAt time.Time) (string, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	now := s.now()
	entry := types.ScheduledEntry{
		ID:           uuid.NewString(),
		UserID:       n.UserID,
		Notification: n,
		FireAt:       fireAt,
		CreatedAt:    now,
	}
	// Clear the trigger so the fired copy is not scheduled again.
	entry.Notification.ScheduledFor = nil

	ttl := max(0, fireAt.Sub(now)) + s.ttlBuffer
	if err := s.store.PersistScheduledEntry(ctx, entry, ttl); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to persist scheduled entry",
			logger.Event("schedule_failed"),
			logger.UserID(n.UserID),
			logger.Error(err),
		)
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()

	armed := false
	if fireAt.Sub(now) <= s.lookahead {
		armed = s.arm(entry)
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "notification scheduled",
		logger.Event("notification_scheduled"),
		logger.ScheduleID(entry.ID),
		logger.UserID(n.UserID),
		slog.Time("fire_at", fireAt),
		slog.Duration("ttl", ttl),
		slog.Bool("armed", armed),
	)
	return entry.ID, nil
}

// Cancel stops a pending entry and removes it from the store. It returns
// false when the entry has already fired, is firing, or does not exist.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	if _, ok := s.firing[id]; ok {
		s.mu.Unlock()
		return false, nil
	}
	if t, ok := s.armed[id]; ok {
		t.Stop()
		delete(s.armed, id)
	}
	_, wasHandled := s.handled[id]
	s.markHandledLocked(id)
	s.mu.Unlock()

	deleted, err := s.store.DeleteScheduledEntry(ctx, id)
	if err != nil {
		// The entry is still stored; let rescans pick it up again.
		if !wasHandled {
			s.mu.Lock()
			delete(s.handled, id)
			s.mu.Unlock()
		}
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if deleted {
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
		s.logger.LogAttrs(ctx, slog.LevelInfo, "scheduled notification cancelled",
			logger.Event("schedule_cancelled"),
			logger.ScheduleID(id),
		)
	}
	return deleted, nil
}

// Recover scans the store for entries due within the lookahead and arms
// them. Entries already past due fire immediately. It is the first thing to
// run after a restart.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	n, err := s.rescan(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "scheduled entries recovered",
		logger.Event("schedule_recovered"),
		slog.Int("armed", n),
	)
	return n, nil
}

// Run rescans the store every RescanInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.rescan(ctx); err != nil {
				s.logger.LogAttrs(ctx, slog.LevelWarn, "schedule rescan failed", logger.Error(err))
			}
		}
	}
}

func (s *Scheduler) rescan(ctx context.Context) (int, error) {
	s.pruneHandled()

	entries, err := s.store.ScanDueEntries(ctx, s.now().Add(s.lookahead))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	armed := 0
	for _, e := range entries {
		s.mu.Lock()
		_, retry := s.undeleted[e.ID]
		s.mu.Unlock()

		if retry {
			s.deleteFired(ctx, e.ID)
			continue
		}
		if s.arm(e) {
			armed++
		}
	}
	return armed, nil
}

// arm starts a one-shot timer for e unless one is already armed or firing.
func (s *Scheduler) arm(e types.ScheduledEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.armed[e.ID]; ok {
		return false
	}
	if _, ok := s.firing[e.ID]; ok {
		return false
	}
	if _, ok := s.undeleted[e.ID]; ok {
		return false
	}
	if _, ok := s.handled[e.ID]; ok {
		return false
	}

	delay := max(0, e.FireAt.Sub(s.now()))
	s.armed[e.ID] = time.AfterFunc(delay, func() { s.fire(e) })
	return true
}

func (s *Scheduler) fire(e types.ScheduledEntry) {
	s.mu.Lock()
	if _, ok := s.armed[e.ID]; !ok {
		// Cancelled or stopped after the timer went off.
		s.mu.Unlock()
		return
	}
	delete(s.armed, e.ID)
	s.firing[e.ID] = struct{}{}
	s.markHandledLocked(e.ID)
	s.inflight.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.firing, e.ID)
		s.fired++
		s.mu.Unlock()
		s.inflight.Done()
	}()

	ctx := context.Background()
	decision, err := s.submit.Submit(ctx, e.Notification)
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "scheduled notification delivery failed",
			logger.Event("schedule_fire_failed"),
			logger.ScheduleID(e.ID),
			logger.UserID(e.UserID),
			logger.Error(err),
		)
	} else {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "scheduled notification fired",
			logger.Event("schedule_fired"),
			logger.ScheduleID(e.ID),
			logger.UserID(e.UserID),
			slog.String("route", string(decision.Route)),
			slog.Duration("lateness", s.now().Sub(e.FireAt)),
		)
	}

	s.deleteFired(ctx, e.ID)
}

// markHandledLocked records id as done for longer than any scan that could
// still hold it. The caller must hold s.mu.
func (s *Scheduler) markHandledLocked(id string) {
	s.handled[id] = s.now().Add(2 * (s.lookahead + s.rescanInterval))
}

func (s *Scheduler) pruneHandled() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, expires := range s.handled {
		if now.After(expires) {
			delete(s.handled, id)
		}
	}
}

func (s *Scheduler) deleteFired(ctx context.Context, id string) {
	if _, err := s.store.DeleteScheduledEntry(ctx, id); err != nil {
		s.mu.Lock()
		s.undeleted[id] = struct{}{}
		s.mu.Unlock()
		s.logger.LogAttrs(ctx, slog.LevelWarn, "failed to delete fired entry, will retry",
			logger.ScheduleID(id),
			logger.Error(err),
		)
		return
	}
	s.mu.Lock()
	delete(s.undeleted, id)
	s.mu.Unlock()
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Armed     int   `json:"armed"`
	Firing    int   `json:"firing"`
	Scheduled int64 `json:"scheduled"`
	Fired     int64 `json:"fired"`
	Cancelled int64 `json:"cancelled"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Armed:     len(s.armed),
		Firing:    len(s.firing),
		Scheduled: s.scheduled,
		Fired:     s.fired,
		Cancelled: s.cancelled,
	}
}

// Stop cancels every armed timer without firing it and waits for entries
// that are already firing. Cancelled entries stay in the store for the next
// process to recover.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.armed {
		t.Stop()
		delete(s.armed, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
