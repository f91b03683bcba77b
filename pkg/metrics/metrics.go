// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Ingest metrics
	FilesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergebot_files_ingested_total",
			Help: "Total number of new files ingested per source",
		},
		[]string{"source_id"},
	)

	// Transform metrics
	RecordsParsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergebot_records_parsed_total",
			Help: "Total number of records parsed from raw files",
		},
	)

	ParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergebot_parse_failures_total",
			Help: "Total number of files that failed to parse",
		},
	)

	// Build metrics
	ArtifactsBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergebot_artifacts_built_total",
			Help: "Total number of artifacts built per route",
		},
		[]string{"route"},
	)

	// Publish metrics
	PublishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergebot_publish_attempts_total",
			Help: "Total number of publish attempts per route",
		},
		[]string{"route"},
	)

	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergebot_publish_failures_total",
			Help: "Total number of failed publish attempts per route",
		},
		[]string{"route"},
	)

	// Cleanup metrics
	BlobsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergebot_blobs_pruned_total",
			Help: "Total number of raw blobs removed by cleanup",
		},
	)
)

func init() {
	prometheus.MustRegister(FilesIngested)
	prometheus.MustRegister(RecordsParsed)
	prometheus.MustRegister(ParseFailures)
	prometheus.MustRegister(ArtifactsBuilt)
	prometheus.MustRegister(PublishAttempts)
	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(BlobsPruned)
}
