package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogd_ingest_chunks_created_total",
		Help: "Chunks embedded and written to the vector store.",
	}, []string{"project_id"})

	chunksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogd_ingest_chunks_skipped_total",
		Help: "Chunks skipped because their fingerprint was already indexed.",
	}, []string{"project_id"})

	documentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogd_ingest_documents_failed_total",
		Help: "Documents whose ingestion ended in an error.",
	}, []string{"project_id"})
)
