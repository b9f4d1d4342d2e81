package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/whakoom-crawler/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus metrics.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	entities       *prometheus.CounterVec
	entityDuration *prometheus.HistogramVec
	itemsPersisted *prometheus.CounterVec
	itemsDropped   *prometheus.CounterVec

	active *runSet
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlstate_runs_started_total",
			Help: "Crawl runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlstate_runs_completed_total",
			Help: "Crawl runs finished, by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlstate_runs_active",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlstate_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlstate_entities_total",
			Help: "Entities processed, by kind and result.",
		}, []string{"kind", "result"}),
		entityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlstate_entity_duration_seconds",
			Help:    "Processing time per entity.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),
		itemsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlstate_items_persisted_total",
			Help: "Items written to the store, by kind.",
		}, []string{"kind"}),
		itemsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlstate_items_dropped_total",
			Help: "Items given up on after retries, by kind.",
		}, []string{"kind"}),
		active: &runSet{running: map[string]struct{}{}},
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.entities,
		s.entityDuration,
		s.itemsPersisted,
		s.itemsDropped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := string(evt.Kind)
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.active.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		s.finishRun(evt, "success")
	case progress.StageRunError:
		s.finishRun(evt, "error")
	case progress.StageEntityDone:
		s.entities.WithLabelValues(kind, "success").Inc()
		s.observeEntity(evt)
	case progress.StageEntityFailed:
		s.entities.WithLabelValues(kind, "failed").Inc()
		s.observeEntity(evt)
	case progress.StageItemPersisted:
		s.itemsPersisted.WithLabelValues(kind).Inc()
	case progress.StageItemDropped:
		s.itemsDropped.WithLabelValues(kind).Inc()
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.active.finish(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeEntity(evt progress.Event) {
	if evt.Dur > 0 {
		s.entityDuration.WithLabelValues(string(evt.Kind)).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runSet struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (r *runSet) start(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return false
	}
	r.running[id] = struct{}{}
	return true
}

func (r *runSet) finish(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; !ok {
		return false
	}
	delete(r.running, id)
	return true
}
