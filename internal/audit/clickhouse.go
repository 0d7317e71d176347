package audit

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	// queueDepth bounds the backlog between request handlers and the insert
	// worker. Beyond it events are counted and dropped; the scan path must
	// never block on the audit sink.
	queueDepth = 8192

	// maxBatch rows go into one INSERT; maxDelay caps how long a partial
	// batch may wait before it is sent anyway.
	maxBatch = 512
	maxDelay = 250 * time.Millisecond

	// closeGrace is how long Close waits for the queue to reach ClickHouse
	// before giving up.
	closeGrace = 3 * time.Second
)

// ClickHouseWriter batches audit events into the scan_events table from a
// single worker goroutine. Write never blocks.
type ClickHouseWriter struct {
	conn    driver.Conn
	queue   chan *Event
	quit    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewClickHouseWriter connects, verifies the connection, and starts the
// insert worker.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := openConn(dsn)
	if err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:   conn,
		queue:  make(chan *Event, queueDepth),
		quit:   make(chan struct{}),
		logger: logger,
	}
	w.wg.Add(1)
	go w.worker()
	return w, nil
}

func openConn(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		// Managed ClickHouse only speaks TLS; a DSN missing ?secure=true
		// would otherwise dial in the clear.
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Write enqueues an event. When the queue is full the event is dropped;
// drops are counted and logged at a sampled rate so a stalled sink cannot
// flood the log either.
func (w *ClickHouseWriter) Write(event *Event) {
	select {
	case w.queue <- event:
	default:
		if n := w.dropped.Add(1); n == 1 || n%1000 == 0 {
			w.logger.Warn("audit queue full, dropping events",
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Close asks the worker to drain and waits for it to exit. Call once.
func (w *ClickHouseWriter) Close() {
	close(w.quit)
	w.wg.Wait()
}

// worker owns all ClickHouse I/O. Batches go out when full or when the
// ticker fires. On shutdown the quit case arms a drain deadline, speeds the
// ticker up, and the loop exits once the queue runs dry or the deadline
// hits.
func (w *ClickHouseWriter) worker() {
	defer w.wg.Done()

	pending := make([]*Event, 0, maxBatch)
	tick := time.NewTicker(maxDelay)
	defer tick.Stop()

	quit := w.quit
	var deadline <-chan time.Time

	for {
		select {
		case e := <-w.queue:
			pending = append(pending, e)
			if len(pending) >= maxBatch {
				pending = w.insert(pending)
			}
		case <-tick.C:
			pending = w.insert(pending)
		case <-quit:
			// A closed channel is always ready; stop selecting on it.
			quit = nil
			deadline = time.After(closeGrace)
			tick.Reset(5 * time.Millisecond)
		case <-deadline:
			w.insert(pending)
			return
		}
		if quit == nil && len(pending) == 0 && len(w.queue) == 0 {
			return
		}
	}
}

// insert sends the pending rows and hands the slice back, reset for reuse.
// Failed batches are logged and abandoned; audit delivery is best-effort,
// the scan verdict has already been returned.
func (w *ClickHouseWriter) insert(pending []*Event) []*Event {
	if len(pending) == 0 {
		return pending
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertScanEvents)
	if err != nil {
		w.logger.Error("audit batch prepare failed", zap.Error(err))
		return pending[:0]
	}

	rows := 0
	for _, e := range pending {
		if err := e.appendTo(batch); err != nil {
			w.logger.Error("audit event append failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
			continue
		}
		rows++
	}
	if err := batch.Send(); err != nil {
		w.logger.Error("audit batch send failed",
			zap.Int("rows", rows),
			zap.Error(err),
		)
	}
	return pending[:0]
}

const insertScanEvents = `
	INSERT INTO scan_events (
		request_id, timestamp, status,
		rule_id, dataset, severity, rule_state,
		source_kind, match_span_hash,
		audit_token, rule_set_version,
		latency_ms, metadata
	)
`

// appendTo adds the event as one row of a prepared batch. Column order
// matches insertScanEvents.
func (e *Event) appendTo(batch driver.Batch) error {
	return batch.Append(
		e.RequestID,
		e.Timestamp,
		e.Status,
		e.RuleID,
		e.Dataset,
		e.Severity,
		e.RuleState,
		e.SourceKind,
		e.MatchSpanHash,
		e.AuditToken,
		e.RuleSetVersion,
		e.LatencyMs,
		e.Metadata,
	)
}

// LogWriter is the development fallback sink: events go to the structured
// log instead of ClickHouse. Rule fields are attached only when a rule
// actually matched, keeping clean-scan lines short.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter over the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *Event) {
	fields := []zap.Field{
		zap.String("request_id", event.RequestID),
		zap.String("status", event.Status),
		zap.String("rule_set_version", event.RuleSetVersion),
		zap.String("audit_token", event.AuditToken),
		zap.Float32("latency_ms", event.LatencyMs),
	}
	if event.RuleID != "" {
		fields = append(fields,
			zap.String("rule_id", event.RuleID),
			zap.String("dataset", event.Dataset),
			zap.String("severity", event.Severity),
			zap.String("rule_state", event.RuleState),
			zap.String("source_kind", event.SourceKind),
			zap.String("match_span_hash", event.MatchSpanHash),
		)
	}
	w.logger.Info("scan_event", fields...)
}

func (w *LogWriter) Close() {}
