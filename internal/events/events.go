// Package events publishes ingestion job lifecycle events to NATS.
//
// Events are a best-effort side channel: a nil connection disables
// publishing entirely, and publish failures are logged rather than
// propagated into the ingestion path.
//
// Subjects:
//
//	ingest.{project_id}.{job_id}.started
//	ingest.{project_id}.{job_id}.progress
//	ingest.{project_id}.{job_id}.completed
//	ingest.{project_id}.{job_id}.failed
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JobEvent is the JSON payload of every ingest lifecycle event.
type JobEvent struct {
	Job       string    `json:"job"`
	Project   string    `json:"project"`
	Total     int       `json:"total,omitempty"`
	Processed int       `json:"processed,omitempty"`
	Succeeded int       `json:"succeeded,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes job events. The zero-value-equivalent publisher
// (nil connection) is valid and publishes nothing.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher over an existing NATS connection.
// Pass a nil connection to disable publishing.
func NewPublisher(conn *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, logger: logger, now: time.Now}
}

// Enabled reports whether events will actually be published.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// IngestStarted announces a new ingestion job.
func (p *Publisher) IngestStarted(project, job string, total int) {
	p.publish(project, job, "started", JobEvent{Total: total})
}

// IngestProgress reports per-document progress of a running job.
func (p *Publisher) IngestProgress(project, job string, processed, total int) {
	p.publish(project, job, "progress", JobEvent{Processed: processed, Total: total})
}

// IngestCompleted announces a finished job with its outcome counts.
func (p *Publisher) IngestCompleted(project, job string, succeeded, failed int) {
	p.publish(project, job, "completed", JobEvent{Succeeded: succeeded, Failed: failed})
}

// IngestFailed announces a job that did not run to completion.
func (p *Publisher) IngestFailed(project, job string, jobErr error) {
	ev := JobEvent{}
	if jobErr != nil {
		ev.Error = jobErr.Error()
	}
	p.publish(project, job, "failed", ev)
}

func (p *Publisher) publish(project, job, kind string, ev JobEvent) {
	if !p.Enabled() {
		return
	}
	ev.Job = job
	ev.Project = project
	ev.Timestamp = p.now().UTC()

	subject := fmt.Sprintf("ingest.%s.%s.%s", project, job, kind)
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to marshal job event",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish job event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
