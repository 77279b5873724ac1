package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds every collector this service exports.
var Registry = prometheus.NewRegistry()

var (
	opSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "threadline_op_duration_seconds",
		Help:    "Duration of traced operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	opStepSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "threadline_op_step_duration_seconds",
		Help:    "Duration of marked steps within traced operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "step"})

	FeedSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "threadline_feed_subscriptions",
		Help: "Open topic subscriptions across all sessions.",
	})

	FeedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "threadline_feed_sessions",
		Help: "Connected websocket feed sessions.",
	})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadline_events_published_total",
		Help: "Events published to feed topics, by kind.",
	}, []string{"kind"})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "threadline_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})

	ChunksApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadline_chunks_applied_total",
		Help: "Stream events seen by the accumulator, by outcome.",
	}, []string{"outcome"})

	WhiteboardSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadline_whiteboard_saves_total",
		Help: "Whiteboard save attempts, by result.",
	}, []string{"result"})

	TurnsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "threadline_turns_started_total",
		Help: "Agent turns admitted.",
	})

	TurnRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadline_turn_rejections_total",
		Help: "Agent turn admissions rejected, by reason.",
	}, []string{"reason"})

	GenerationJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadline_generation_jobs_total",
		Help: "Generation jobs finished, by status.",
	}, []string{"status"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "threadline_generation_queue_depth",
		Help: "Generation jobs waiting for a worker.",
	})

	RetentionPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "threadline_retention_purged_total",
		Help: "Conversations purged by retention.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		opSeconds, opStepSeconds,
		FeedSubscriptions, FeedSessions, EventsPublished, EventsDropped,
		ChunksApplied, WhiteboardSaves, TurnsStarted, TurnRejections,
		GenerationJobs, QueueDepth, RetentionPurged,
	)
}

// Handler serves Registry in the prometheus exposition format.
func Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}
