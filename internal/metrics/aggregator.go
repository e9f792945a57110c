// Package metrics aggregates delivery observations in memory.
package metrics

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"herald/internal/logger"
	"herald/pkg/interfaces"
)

// KindStats holds counters for one metric kind.
type KindStats struct {
	Total         int64 `json:"total"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	TotalDuration int64 `json:"total_duration_ms"`
	MaxDuration   int64 `json:"max_duration_ms"`
}

// AvgDurationMs returns the mean send duration.
func (k KindStats) AvgDurationMs() float64 {
	if k.Total == 0 {
		return 0
	}
	return float64(k.TotalDuration) / float64(k.Total)
}

// Snapshot is a copy of every counter.
type Snapshot struct {
	Kinds     map[string]KindStats `json:"kinds"`
	Total     int64                `json:"total"`
	Succeeded int64                `json:"succeeded"`
	Failed    int64                `json:"failed"`
}

// Aggregator implements interfaces.MetricSink.
type Aggregator struct {
	mu    sync.Mutex
	kinds map[string]*KindStats

	next   interfaces.MetricSink
	logger *slog.Logger
}

type Option func(*Aggregator)

// WithForward passes every observation on to another sink after counting it.
func WithForward(s interfaces.MetricSink) Option {
	return func(a *Aggregator) { a.next = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		kinds:  make(map[string]*KindStats),
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logger.Component("metrics"))
	return a
}

func (a *Aggregator) RecordDeliveryMetric(kind string, durationMs int64, success bool) {
	a.mu.Lock()
	ks, ok := a.kinds[kind]
	if !ok {
		ks = &KindStats{}
		a.kinds[kind] = ks
	}
	ks.Total++
	if success {
		ks.Succeeded++
	} else {
		ks.Failed++
	}
	ks.TotalDuration += durationMs
	ks.MaxDuration = max(ks.MaxDuration, durationMs)
	a.mu.Unlock()

	if a.next != nil {
		a.next.RecordDeliveryMetric(kind, durationMs, success)
	}
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{Kinds: make(map[string]KindStats, len(a.kinds))}
	for k, ks := range a.kinds {
		s.Kinds[k] = *ks
		s.Total += ks.Total
		s.Succeeded += ks.Succeeded
		s.Failed += ks.Failed
	}
	return s
}

// Report logs the current snapshot, one line per kind.
func (a *Aggregator) Report(ctx context.Context) {
	s := a.Snapshot()
	a.logger.LogAttrs(ctx, slog.LevelInfo, "delivery metrics",
		logger.Event("metrics_report"),
		slog.Int64("total", s.Total),
		slog.Int64("succeeded", s.Succeeded),
		slog.Int64("failed", s.Failed),
	)
	for _, kind := range slices.Sorted(maps.Keys(s.Kinds)) {
		ks := s.Kinds[kind]
		a.logger.LogAttrs(ctx, slog.LevelDebug, "delivery metrics by kind",
			slog.String("kind", kind),
			slog.Int64("total", ks.Total),
			slog.Int64("failed", ks.Failed),
			slog.Float64("avg_duration_ms", ks.AvgDurationMs()),
			slog.Int64("max_duration_ms", ks.MaxDuration),
		)
	}
}
