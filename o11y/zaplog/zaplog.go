// Package zaplog is an o11y.Provider backed by a zap logger. Spans are
// emitted as structured log entries when they end, and any metrics recorded
// on a span are forwarded to the configured statsd client.
package zaplog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapellan-io/skeleton/o11y"
)

type Config struct {
	// Logger receives the span output. Required in production; defaults to a nop logger.
	Logger *zap.Logger

	// Metrics receives the metrics recorded on spans. Defaults to a no-op client.
	Metrics o11y.ClosableMetricsProvider
}

func New(cfg Config) o11y.Provider {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &statsd.NoOpClient{}
	}
	return &provider{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		globals: map[string]interface{}{},
	}
}

type provider struct {
	logger  *zap.Logger
	metrics o11y.ClosableMetricsProvider

	mu      sync.RWMutex
	globals map[string]interface{}
}

type spanKey struct{}

type trace struct {
	id string

	mu     sync.Mutex
	fields map[string]interface{}
}

type span struct {
	p        *provider
	name     string
	id       string
	parentID string
	trace    *trace
	started  time.Time

	mu      sync.Mutex
	fields  map[string]interface{}
	metrics []o11y.Metric
}

func (p *provider) AddGlobalField(key string, val interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globals[key] = val
}

func (p *provider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	parent := spanFromContext(ctx)
	s := &span{
		p:       p,
		name:    name,
		id:      uuid.NewString(),
		started: time.Now(),
		fields:  map[string]interface{}{},
	}
	if parent == nil {
		s.trace = &trace{
			id:     uuid.NewString(),
			fields: map[string]interface{}{},
		}
	} else {
		s.parentID = parent.id
		s.trace = parent.trace
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

func (p *provider) GetSpan(ctx context.Context) o11y.Span {
	if s := spanFromContext(ctx); s != nil {
		return s
	}
	return nil
}

func (p *provider) AddField(ctx context.Context, key string, val interface{}) {
	if s := spanFromContext(ctx); s != nil {
		s.AddField(key, val)
	}
}

func (p *provider) AddFieldToTrace(ctx context.Context, key string, val interface{}) {
	s := spanFromContext(ctx)
	if s == nil {
		return
	}
	s.trace.mu.Lock()
	defer s.trace.mu.Unlock()
	s.trace.fields[key] = val
}

func (p *provider) Log(ctx context.Context, name string, fields ...o11y.Pair) {
	_, s := p.StartSpan(ctx, name)
	for _, f := range fields {
		s.AddField(f.Key, f.Value)
	}
	s.End()
}

func (p *provider) Close(context.Context) {
	// Sync can legitimately fail on stderr, there is nowhere to report it anyway.
	_ = p.logger.Sync()
	_ = p.metrics.Close()
}

func (p *provider) MetricsProvider() o11y.MetricsProvider {
	return p.metrics
}

func spanFromContext(ctx context.Context) *span {
	if s, ok := ctx.Value(spanKey{}).(*span); ok {
		return s
	}
	return nil
}

func (s *span) AddField(key string, val interface{}) {
	s.AddRawField("app."+key, val)
}

func (s *span) AddRawField(key string, val interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	s.fields[key] = val
}

func (s *span) RecordMetric(metric o11y.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metric)
}

func (s *span) End() {
	duration := time.Since(s.started)

	s.p.mu.RLock()
	s.trace.mu.Lock()
	s.mu.Lock()
	fields := make(map[string]interface{}, len(s.p.globals)+len(s.trace.fields)+len(s.fields))
	for k, v := range s.p.globals {
		fields[k] = v
	}
	for k, v := range s.trace.fields {
		fields[k] = v
	}
	for k, v := range s.fields {
		fields[k] = v
	}
	metrics := s.metrics
	s.mu.Unlock()
	s.trace.mu.Unlock()
	s.p.mu.RUnlock()

	zapFields := make([]zap.Field, 0, len(fields)+4)
	zapFields = append(zapFields,
		zap.String("trace_id", s.trace.id),
		zap.String("span_id", s.id),
		zap.Float64("duration_ms", float64(duration)/float64(time.Millisecond)),
	)
	if s.parentID != "" {
		zapFields = append(zapFields, zap.String("parent_id", s.parentID))
	}
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}

	switch {
	case fields["error"] != nil:
		s.p.logger.Error(s.name, zapFields...)
	case fields["warning"] != nil:
		s.p.logger.Warn(s.name, zapFields...)
	default:
		s.p.logger.Info(s.name, zapFields...)
	}

	s.emitMetrics(fields, metrics, duration)
}

func (s *span) emitMetrics(fields map[string]interface{}, metrics []o11y.Metric, duration time.Duration) {
	for _, m := range metrics {
		tags := make([]string, 0, len(m.TagFields))
		for _, f := range m.TagFields {
			if v, ok := fields[f]; ok {
				tags = append(tags, fmt.Sprintf("%s:%v", f, v))
			}
		}
		switch m.Type {
		case o11y.MetricTimer:
			_ = s.p.metrics.TimeInMilliseconds(m.Name, float64(duration)/float64(time.Millisecond), tags, 1)
		case o11y.MetricCount:
			_ = s.p.metrics.Count(m.Name, 1, tags, 1)
		case o11y.MetricGauge:
			if v, ok := toFloat(fields[m.Field]); ok {
				_ = s.p.metrics.Gauge(m.Name, v, tags, 1)
			}
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case time.Duration:
		return float64(n) / float64(time.Millisecond), true
	}
	return 0, false
}
