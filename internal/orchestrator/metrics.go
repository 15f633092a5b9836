package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dialogd_turns_total",
	Help: "Dialogue turns handled, labeled by response source.",
}, []string{"project_id", "source"})
