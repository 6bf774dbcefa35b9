package render

import (
	"echo-transcript/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var log = logger.Named("render")

var (
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_transcript_render_cache_lookups_total",
		Help: "Render cache lookups by result",
	}, []string{"result"})

	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_transcript_render_cache_evictions_total",
		Help: "Layouts evicted from the render cache for capacity",
	})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_transcript_render_cache_entries",
		Help: "Layouts currently held by the render cache",
	})

	fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_transcript_render_fallback_total",
		Help: "Records rendered as raw text after a renderer panic",
	})
)
