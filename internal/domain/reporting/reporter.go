package reporting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/tallyhq/metering/internal/port/outbound"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

// microsPerCent converts micro-USD to the credit-cent quantities the
// processor meters.
const microsPerCent = 10_000

const periodKeyLayout = "2006-01"

// Job is one usage event queued for external reporting and monthly spend
// accumulation.
type Job struct {
	UsageEventID int64
	AccountID    uuid.UUID
	SellMicros   int64
	OccurredAt   time.Time
	ModelKey     string
	Feature      string
}

// KillSwitch exposes the platform-level reporting disable flag.
type KillSwitch interface {
	ReportingDisabled(ctx context.Context) bool
}

// Reporter drains usage events to the external billing processor and keeps
// the monthly spend counters current. Reporting is asynchronous and lossy by
// contract: a full buffer drops the job with a warning rather than blocking
// the request path, and processor failures never affect the recorded event.
type Reporter struct {
	processor  outbound.BillingProcessorPort
	accounts   outbound.CreditLedgerDatabasePort
	limits     outbound.SpendingLimitDatabasePort
	spendCache outbound.SpendCachePort // nil when Redis is disabled
	usage      outbound.UsageEventDatabasePort
	killSwitch KillSwitch

	breaker *gobreaker.CircuitBreaker[any]
	metrics *metrics.Metrics
	logger  *zap.Logger
	timeout time.Duration

	buffer chan Job
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	now    func() time.Time
}

// NewReporter creates a reporter and starts its worker goroutine.
func NewReporter(
	processor outbound.BillingProcessorPort,
	accounts outbound.CreditLedgerDatabasePort,
	limits outbound.SpendingLimitDatabasePort,
	spendCache outbound.SpendCachePort,
	usage outbound.UsageEventDatabasePort,
	killSwitch KillSwitch,
	bufferSize int,
	timeout time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reporter {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r := &Reporter{
		processor:  processor,
		accounts:   accounts,
		limits:     limits,
		spendCache: spendCache,
		usage:      usage,
		killSwitch: killSwitch,
		metrics:    m,
		logger:     logger,
		timeout:    timeout,
		buffer:     make(chan Job, bufferSize),
		done:       make(chan struct{}),
		now:        time.Now,
	}

	r.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "billing-processor",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("billing processor breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	r.wg.Add(1)
	go r.worker()
	return r
}

// Enqueue queues a job for reporting. Never blocks; a full buffer drops the
// job and logs it. The buffer channel is never closed, so a send racing a
// concurrent Close cannot panic; at worst the job sits in the buffer and is
// handled by the drain.
func (r *Reporter) Enqueue(job Job) {
	if r.closed.Load() {
		return
	}
	select {
	case r.buffer <- job:
		if r.metrics != nil {
			r.metrics.ReporterQueueDepth.Set(float64(len(r.buffer)))
		}
	default:
		r.logger.Warn("reporter buffer full, dropping usage report",
			zap.Int64("usage_event_id", job.UsageEventID),
			zap.String("account_id", job.AccountID.String()),
		)
		r.observe("dropped")
	}
}

// Close stops accepting jobs, drains the buffer and waits for the worker.
func (r *Reporter) Close() {
	if r.closed.Swap(true) {
		return
	}
	close(r.done)
	r.wg.Wait()
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.buffer:
			r.process(job)
			if r.metrics != nil {
				r.metrics.ReporterQueueDepth.Set(float64(len(r.buffer)))
			}
		case <-r.done:
			r.drain()
			return
		}
	}
}

// drain works off whatever is buffered at shutdown.
func (r *Reporter) drain() {
	for {
		select {
		case job := <-r.buffer:
			r.process(job)
		default:
			return
		}
	}
}

func (r *Reporter) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	account, err := r.accounts.GetAccount(ctx, job.AccountID)
	if err != nil {
		r.logger.Error("reporter account read failed",
			zap.Int64("usage_event_id", job.UsageEventID),
			zap.Error(err),
		)
		r.observe("failed")
		return
	}
	if account == nil {
		r.observe("skipped")
		return
	}

	// Monthly spend accumulates for every attributed sell, whether or not
	// the event reaches the processor.
	r.addMonthlySpend(ctx, job)

	if r.killSwitch != nil && r.killSwitch.ReportingDisabled(ctx) {
		r.observe("skipped")
		return
	}
	if !account.HasBillingSubscription() {
		r.observe("skipped")
		return
	}

	report := outbound.UsageReport{
		CustomerRef:    account.BillingCustomerRef,
		ItemRef:        account.BillingItemRef,
		Quantity:       (job.SellMicros + microsPerCent - 1) / microsPerCent,
		Timestamp:      job.OccurredAt,
		IdempotencyKey: fmt.Sprintf("usage-%d", job.UsageEventID),
		Metadata: map[string]string{
			"model":   job.ModelKey,
			"feature": job.Feature,
		},
	}

	_, err = r.breaker.Execute(func() (any, error) {
		return nil, r.processor.ReportUsage(ctx, report)
	})
	if err != nil {
		r.logger.Error("usage report failed",
			zap.Int64("usage_event_id", job.UsageEventID),
			zap.String("account_id", job.AccountID.String()),
			zap.Error(err),
		)
		r.observe("failed")
		return
	}

	if err := r.usage.MarkBilled(ctx, job.UsageEventID, r.now()); err != nil {
		r.logger.Warn("mark billed failed",
			zap.Int64("usage_event_id", job.UsageEventID),
			zap.Error(err),
		)
	}
	r.observe("reported")
}

// addMonthlySpend bumps the period counter in the database and, best
// effort, the cache. The period is the event month in the account's billing
// timezone.
func (r *Reporter) addMonthlySpend(ctx context.Context, job Job) {
	loc := time.UTC
	cfg, err := r.limits.GetByAccount(ctx, job.AccountID)
	if err != nil {
		r.logger.Warn("limit config read failed during spend accumulation",
			zap.String("account_id", job.AccountID.String()),
			zap.Error(err),
		)
	} else if cfg != nil {
		loc = cfg.Location()
	}

	occurred := job.OccurredAt.In(loc)
	periodKey := occurred.Format(periodKeyLayout)

	if cfg != nil {
		if err := r.limits.AddMonthlySpend(ctx, job.AccountID, periodKey, job.SellMicros); err != nil {
			r.logger.Error("monthly spend update failed",
				zap.String("account_id", job.AccountID.String()),
				zap.Error(err),
			)
		}
	}

	if r.spendCache != nil {
		periodEnd := time.Date(occurred.Year(), occurred.Month()+1, 1, 0, 0, 0, 0, loc)
		if _, err := r.spendCache.AddMonthlySpend(ctx, job.AccountID, periodKey, periodEnd, job.SellMicros); err != nil {
			r.logger.Warn("spend cache update failed",
				zap.String("account_id", job.AccountID.String()),
				zap.Error(err),
			)
		}
	}
}

func (r *Reporter) observe(status string) {
	if r.metrics != nil {
		r.metrics.ReportsTotal.WithLabelValues(status).Inc()
	}
}
