package dispatch

import (
	"time"

	"nodegate/internal/audit"
	"nodegate/internal/metrics"
	"nodegate/internal/redact"
)

// Recorder receives one audit event per dispatch. *audit.Logger implements it.
type Recorder interface {
	Record(event audit.Event)
}

// Observer reports finished dispatches of one node to the metrics collector
// and the audit trail. Both are optional.
type Observer struct {
	Node     string
	Metrics  *metrics.Collector
	Audit    Recorder
	Redactor *redact.Redactor
}

// Observe records res. Audit messages are redacted; results are not.
func (o Observer) Observe(requestID, operation string, res Result, elapsed time.Duration) {
	if o.Metrics != nil {
		o.Metrics.Record(metrics.Sample{
			Node:        o.Node,
			Operation:   operation,
			Duration:    elapsed,
			Success:     res.OK(),
			ErrorKind:   res.ErrorKind,
			FromCache:   res.FromCache,
			RateLimited: res.RateLimited,
			Retries:     res.RetriesUsed,
		})
	}
	if o.Audit != nil {
		o.Audit.Record(audit.Event{
			RequestID:   requestID,
			Node:        o.Node,
			Operation:   operation,
			Status:      res.Status,
			ErrorKind:   res.ErrorKind,
			ErrorMsg:    o.Redactor.Redact(res.Error),
			StatusCode:  res.StatusCode,
			DurationMs:  elapsed.Milliseconds(),
			Retries:     res.RetriesUsed,
			FromCache:   res.FromCache,
			RateLimited: res.RateLimited,
		})
	}
}
