// Package hub is the single entry point into the delivery plane. Producers
// call Deliver; the connection layer calls Connect, Disconnect and the room
// operations. The hub owns every background task and its lifecycle.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"herald/internal/batching"
	"herald/internal/broadcast"
	"herald/internal/logger"
	"herald/internal/metrics"
	"herald/internal/registry"
	"herald/internal/scheduler"
	"herald/internal/session"
	"herald/internal/supervisor"
	"herald/internal/variant"
	"herald/pkg/interfaces"
	"herald/pkg/types"
)

// DefaultUnreadTimeout bounds the unread count lookup made for a welcome.
const DefaultUnreadTimeout = 2 * time.Second

// Config carries the tunables of every component the hub assembles. Zero
// values select each component's default; an empty job spec disables the job.
type Config struct {
	NodeID            string
	MaxConnections    int
	InactivityTimeout time.Duration
	SweepSpec         string
	ReportSpec        string
	SendTimeout       time.Duration
	BatchWindow       time.Duration
	Lookahead         time.Duration
	TTLBuffer         time.Duration
	RescanInterval    time.Duration
	UnreadTimeout     time.Duration
	Experiments       map[string][]string
}

// Job is an extra periodic task run on the hub's cron, e.g. store cleanup.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Hub struct {
	cfg Config

	registry  *registry.Registry
	broadcast *broadcast.Engine
	batching  *batching.Engine
	scheduler *scheduler.Scheduler
	metrics   *metrics.Aggregator
	variants  *variant.Assigner

	unread interfaces.UnreadCounter
	mirror interfaces.SessionMirror
	sink   interfaces.MetricSink
	jobs   []Job

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopped   bool
	sup       *supervisor.Supervisor

	logger *slog.Logger
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithUnreadCounter enables unread_count on welcome envelopes.
func WithUnreadCounter(c interfaces.UnreadCounter) Option {
	return func(h *Hub) { h.unread = c }
}

func WithSessionMirror(m interfaces.SessionMirror) Option {
	return func(h *Hub) {
		if m != nil {
			h.mirror = m
		}
	}
}

// WithMetricSink forwards every delivery observation to s after the hub has
// counted it.
func WithMetricSink(s interfaces.MetricSink) Option {
	return func(h *Hub) { h.sink = s }
}

func WithJob(j Job) Option {
	return func(h *Hub) { h.jobs = append(h.jobs, j) }
}

// New assembles the registry, broadcast, batching and scheduling components
// around store.
func New(store interfaces.ScheduleStore, cfg Config, opts ...Option) (*Hub, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	h := &Hub{
		cfg:    cfg,
		mirror: session.Noop{},
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.UnreadTimeout <= 0 {
		h.cfg.UnreadTimeout = DefaultUnreadTimeout
	}
	log := h.logger
	h.logger = log.With(logger.Component("hub"))

	var metricOpts []metrics.Option
	if h.sink != nil {
		metricOpts = append(metricOpts, metrics.WithForward(h.sink))
	}
	h.metrics = metrics.New(append(metricOpts, metrics.WithLogger(log))...)

	h.registry = registry.New(
		registry.WithMaxConnections(cfg.MaxConnections),
		registry.WithLogger(log),
	)
	h.broadcast = broadcast.New(directory{h},
		broadcast.WithSendTimeout(cfg.SendTimeout),
		broadcast.WithMetricSink(h.metrics),
		broadcast.WithLogger(log),
	)
	h.variants = variant.New(cfg.Experiments)

	var err error
	h.batching, err = batching.New(h.broadcast,
		batching.WithWindow(cfg.BatchWindow),
		batching.WithVariantAssigner(h.variants),
		batching.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batching engine: %w", err)
	}
	h.scheduler, err = scheduler.New(store, h.batching,
		scheduler.WithLookahead(cfg.Lookahead),
		scheduler.WithTTLBuffer(cfg.TTLBuffer),
		scheduler.WithRescanInterval(cfg.RescanInterval),
		scheduler.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return h, nil
}

// directory routes broadcast evictions through the hub so the session
// mirror hears about them.
type directory struct{ h *Hub }

func (d directory) ConnectionsForUser(userID string) []registry.Connection {
	return d.h.registry.ConnectionsForUser(userID)
}

func (d directory) ConnectionsForRoom(room string) []registry.Connection {
	return d.h.registry.ConnectionsForRoom(room)
}

func (d directory) RecordSend(id string, bytes int) {
	d.h.registry.RecordSend(id, bytes)
}

func (d directory) Remove(id string) (registry.Connection, bool) {
	conn, ok := d.h.registry.Remove(id)
	if ok {
		d.h.unmirror(context.Background(), conn)
	}
	return conn, ok
}

// DeliverRequest is what a producer hands to Deliver.
type DeliverRequest struct {
	UserID       string         `json:"user_id"`
	Kind         types.Kind     `json:"kind"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Priority     types.Priority `json:"priority"`
	Strategy     types.Strategy `json:"strategy"`
	GroupingHint string         `json:"grouping_hint,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// RouteScheduled marks a receipt for a notification staged for later.
const RouteScheduled batching.Route = "scheduled"

// Receipt tells the producer what happened to a delivered notification.
type Receipt struct {
	ID         string         `json:"id"`
	Route      batching.Route `json:"route"`
	Reason     string         `json:"reason,omitempty"`
	BatchID    string         `json:"batch_id,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	Sent       int            `json:"sent"`
}

// Deliver validates req and routes it: to the scheduler when ScheduledFor
// lies in the future, otherwise through the batching engine. A notification
// with a past ScheduledFor is delivered as if unscheduled.
//
// No ordering is promised across routes: an immediate notification can
// reach the client before an earlier one that is still held in a batch.
func (h *Hub) Deliver(ctx context.Context, req DeliverRequest) (Receipt, error) {
	n := types.Notification{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Kind:         types.Kind(strings.ToLower(string(req.Kind))),
		Title:        req.Title,
		Message:      req.Message,
		Priority:     req.Priority,
		Strategy:     req.Strategy,
		GroupingHint: req.GroupingHint,
		ScheduledFor: req.ScheduledFor,
		Payload:      req.Payload,
		CreatedAt:    time.Now(),
	}
	if err := n.Validate(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	n.Normalize()

	if n.ScheduledFor != nil && n.ScheduledFor.After(n.CreatedAt) {
		id, err := h.scheduler.Schedule(ctx, n, *n.ScheduledFor)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{ID: n.ID, Route: RouteScheduled, ScheduleID: id}, nil
	}
	n.ScheduledFor = nil

	d, err := h.batching.Submit(ctx, n)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		ID:      n.ID,
		Route:   d.Route,
		Reason:  d.Reason,
		BatchID: d.BatchID,
		Sent:    d.Sent,
	}, nil
}

// CancelScheduled removes a staged notification before it fires.
func (h *Hub) CancelScheduled(ctx context.Context, id string) (bool, error) {
	return h.scheduler.Cancel(ctx, id)
}

// FlushBatches delivers the pending batches of userID under key now.
func (h *Hub) FlushBatches(ctx context.Context, userID, key string) int {
	return h.batching.Flush(ctx, userID, key)
}

// Welcome is the data of a connection_established envelope.
type Welcome struct {
	ConnectionID string            `json:"connection_id"`
	UserID       string            `json:"user_id"`
	NodeID       string            `json:"node_id,omitempty"`
	Rooms        []string          `json:"rooms"`
	Variants     map[string]string `json:"variants,omitempty"`
	ServerTime   time.Time         `json:"server_time"`
}

// Connect registers t for userID and greets it. The welcome carries the
// user's unread count when the counter answers in time.
func (h *Hub) Connect(ctx context.Context, t interfaces.Transport, userID string, metadata map[string]string) (string, error) {
	id, err := h.registry.Add(t, userID, metadata)
	if err != nil {
		return "", err
	}
	if err := h.mirror.Register(ctx, userID, id); err != nil {
		h.logger.LogAttrs(ctx, slog.LevelWarn, "session mirror register failed",
			logger.ConnectionID(id),
			logger.UserID(userID),
			logger.Error(err),
		)
	}

	conn, ok := h.registry.Get(id)
	if !ok {
		// Disconnected before the mirror heard about it.
		h.unmirror(ctx, registry.Connection{ID: id, UserID: userID})
		return id, nil
	}

	welcome := Welcome{
		ConnectionID: id,
		UserID:       userID,
		NodeID:       h.cfg.NodeID,
		Rooms:        conn.Rooms,
		ServerTime:   time.Now().UTC(),
	}
	if exps := h.variants.Experiments(); len(exps) > 0 {
		welcome.Variants = make(map[string]string, len(exps))
		for _, exp := range exps {
			welcome.Variants[exp] = h.variants.Assign(exp, userID)
		}
	}

	env := types.Envelope{Type: types.EnvelopeConnectionEstablished, Data: welcome}
	if count, ok := h.lookupUnread(ctx, userID); ok {
		env.UnreadCount = &count
	}
	if err := h.broadcast.SendToConnection(ctx, conn, broadcast.Message{
		Kind:     types.EnvelopeConnectionEstablished,
		Envelope: env,
	}); err != nil {
		h.logger.LogAttrs(ctx, slog.LevelWarn, "welcome not delivered",
			logger.ConnectionID(id),
			logger.Error(err),
		)
	}
	return id, nil
}

func (h *Hub) lookupUnread(ctx context.Context, userID string) (int, bool) {
	if h.unread == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.UnreadTimeout)
	defer cancel()

	count, err := h.unread.LookupUnreadCount(ctx, userID)
	if err != nil {
		h.logger.LogAttrs(ctx, slog.LevelWarn, "unread count lookup failed",
			logger.UserID(userID),
			logger.Error(err),
		)
		return 0, false
	}
	return count, true
}

// Disconnect removes the connection and closes its transport. It reports
// whether the connection was still registered.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) bool {
	conn, ok := h.registry.Remove(connectionID)
	if ok {
		h.unmirror(ctx, conn)
	}
	return ok
}

func (h *Hub) unmirror(ctx context.Context, conn registry.Connection) {
	if err := h.mirror.Unregister(ctx, conn.UserID, conn.ID); err != nil {
		h.logger.LogAttrs(ctx, slog.LevelWarn, "session mirror unregister failed",
			logger.ConnectionID(conn.ID),
			logger.UserID(conn.UserID),
			logger.Error(err),
		)
	}
}

// JoinRoom adds the connection to room. Personal user rooms are managed by
// the hub and cannot be joined or left by clients.
func (h *Hub) JoinRoom(connectionID, room string) error {
	if isReserved(room) {
		return ErrReservedRoom
	}
	return h.registry.JoinRoom(connectionID, room)
}

func (h *Hub) LeaveRoom(connectionID, room string) error {
	if isReserved(room) {
		return ErrReservedRoom
	}
	return h.registry.LeaveRoom(connectionID, room)
}

func (h *Hub) Subscribe(connectionID, topic string) error {
	return h.registry.Subscribe(connectionID, topic)
}

func (h *Hub) Unsubscribe(connectionID, topic string) error {
	return h.registry.Unsubscribe(connectionID, topic)
}

func isReserved(room string) bool {
	return strings.HasPrefix(room, types.UserRoom(""))
}

// RecordReceive counts an inbound client message.
func (h *Hub) RecordReceive(connectionID string, bytes int) {
	h.registry.RecordReceive(connectionID, bytes)
}

// Touch marks the connection active without counting a message, e.g. on a
// transport-level pong.
func (h *Hub) Touch(connectionID string) {
	h.registry.Touch(connectionID)
}

// Reply sends env to a single connection.
func (h *Hub) Reply(ctx context.Context, connectionID string, env types.Envelope) error {
	conn, ok := h.registry.Get(connectionID)
	if !ok {
		return registry.ErrConnectionNotFound
	}
	return h.broadcast.SendToConnection(ctx, conn, broadcast.Message{Kind: env.Type, Envelope: env})
}

// BroadcastToRoom sends env to every member of room except the connections
// of excludeUserID, and returns the number of successful sends.
func (h *Hub) BroadcastToRoom(ctx context.Context, room string, env types.Envelope, excludeUserID string) (int, error) {
	if !types.IsValidRoom(room) {
		return 0, registry.ErrInvalidRoom
	}
	if env.Type == "" {
		env.Type = types.EnvelopeNewNotification
	}
	return h.broadcast.SendToRoom(ctx, room, broadcast.Message{Kind: env.Type, Envelope: env}, excludeUserID)
}

// Stats is a point-in-time view of the whole delivery plane.
type Stats struct {
	NodeID      string              `json:"node_id,omitempty"`
	Running     bool                `json:"running"`
	Uptime      string              `json:"uptime"`
	Connections registry.Stats      `json:"connections"`
	Batching    batching.Stats      `json:"batching"`
	Scheduler   scheduler.Stats     `json:"scheduler"`
	Delivery    metrics.Snapshot    `json:"delivery"`
	Supervisor  supervisor.Snapshot `json:"supervisor"`
	Experiments []string            `json:"experiments"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	running, startedAt, sup := h.running, h.startedAt, h.sup
	h.mu.Unlock()

	s := Stats{
		NodeID:      h.cfg.NodeID,
		Running:     running,
		Connections: h.registry.Stats(),
		Batching:    h.batching.Stats(),
		Scheduler:   h.scheduler.Stats(),
		Delivery:    h.metrics.Snapshot(),
		Experiments: h.variants.Experiments(),
	}
	if running {
		s.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	if sup != nil {
		s.Supervisor = sup.Snapshot()
	}
	return s
}

// Start recovers scheduled entries left by a previous process and starts
// the background tasks: the scheduler rescan loop and the cron jobs. A hub
// that has been stopped cannot be started again.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	if h.stopped {
		return ErrHubStopped
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(h.logger))

	jobs := h.jobs
	if h.cfg.SweepSpec != "" && h.cfg.InactivityTimeout > 0 {
		jobs = append(jobs, Job{Name: "health_sweep", Spec: h.cfg.SweepSpec, Run: h.sweep})
	}
	if h.cfg.ReportSpec != "" {
		jobs = append(jobs, Job{Name: "metrics_report", Spec: h.cfg.ReportSpec, Run: func(ctx context.Context) error {
			h.metrics.Report(ctx)
			return nil
		}})
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.Spec, h.cronJob(sup, j)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidJobSpec, j.Name, err)
		}
	}

	recovered, err := h.scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover scheduled entries: %w", err)
	}

	sup.GoRestart("scheduler_rescan", h.scheduler.Run)
	sup.Go("cron", func(ctx context.Context) error {
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})

	h.sup = sup
	h.running = true
	h.startedAt = time.Now()

	h.logger.LogAttrs(ctx, slog.LevelInfo, "hub started",
		slog.String("node_id", h.cfg.NodeID),
		slog.Int("recovered", recovered),
		slog.Int("jobs", len(jobs)),
	)
	return nil
}

func (h *Hub) cronJob(sup *supervisor.Supervisor, j Job) func() {
	return func() {
		ctx := sup.Context()
		if ctx.Err() != nil {
			return
		}
		if err := j.Run(ctx); err != nil {
			h.logger.LogAttrs(ctx, slog.LevelError, "job failed",
				slog.String("job", j.Name),
				logger.Error(err),
			)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) error {
	evicted := h.registry.SweepNow(h.cfg.InactivityTimeout)
	for _, conn := range evicted {
		h.unmirror(ctx, conn)
	}
	if len(evicted) > 0 {
		h.logger.LogAttrs(ctx, slog.LevelInfo, "health sweep evicted connections",
			slog.Int("evicted", len(evicted)),
		)
	}
	return nil
}

// Stop drains pending batches to their recipients, cancels scheduled timers
// without firing them, stops the background tasks and closes every
// connection. Scheduled entries stay in the store for the next start.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	sup := h.sup
	h.mu.Unlock()

	var errs []error
	if err := h.batching.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batching: %w", err))
	}
	if err := h.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := sup.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if c, ok := h.mirror.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session mirror: %w", err))
		}
	}
	if err := h.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}

	h.logger.LogAttrs(ctx, slog.LevelInfo, "hub stopped")
	return errors.Join(errs...)
}
