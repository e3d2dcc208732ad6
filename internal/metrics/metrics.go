// Package metrics holds the Prometheus collectors for the conversation
// engine. Collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tutor_sessions_active",
		Help: "Conversation sessions currently open",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_sessions_total",
		Help: "Conversation sessions started",
	})

	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_session_errors_total",
		Help: "Sessions ended by an error, by kind",
	}, []string{"kind"})

	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutor_connect_duration_seconds",
		Help:    "Time from start request to open transport",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	})

	AudioChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_audio_chunks_sent_total",
		Help: "Microphone chunks sent to the service",
	})

	AudioChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_audio_chunks_dropped_total",
		Help: "Microphone chunks dropped because the transport was not open",
	})

	Segments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_playback_segments_total",
		Help: "Agent audio segments by outcome",
	}, []string{"outcome"})

	SegmentSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutor_playback_segment_seconds",
		Help:    "Duration of agent audio segments",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
	})

	Interruptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_interruptions_total",
		Help: "Playback interruptions by source",
	}, []string{"source"})

	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_inbound_events_total",
		Help: "Inbound conversation events by type",
	}, []string{"type"})
)

// Segment outcomes.
const (
	OutcomeEnqueued = "enqueued"
	OutcomePlayed   = "played"
	OutcomeDropped  = "dropped"
)

// Interruption sources.
const (
	SourceBargeIn = "barge_in"
	SourceServer  = "server"
	SourceStop    = "stop"
)
