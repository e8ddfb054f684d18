package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payment-service/internal/config"
	"payment-service/internal/gateways"
	"payment-service/internal/metrics"
	"payment-service/internal/models"
)

// Check outcomes, also used as metric labels.
const (
	CheckNoop         = "noop"
	CheckApplied      = "applied"
	CheckStillPending = "still_pending"
	CheckExpired      = "expired"
	CheckQueryFailed  = "query_failed"
	CheckError        = "error"
)

type CheckResult struct {
	TransactionId int                      `json:"transactionId"`
	Outcome       string                   `json:"outcome"`
	Status        models.TransactionStatus `json:"status"`
}

// SweepReport counts what one sweep run did. Every scanned transaction lands
// in exactly one bucket.
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Applied      int `json:"applied"`
	StillPending int `json:"stillPending"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

// Reconciler re-verifies transactions whose webhook may have been lost: once
// at link expiry, and periodically for anything left PENDING too long.
type Reconciler struct {
	store      *TransactionStore
	settlement *SettlementService
	registry   *gateways.Registry
	scheduler  Scheduler
	cfg        config.SweepConfig
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewReconciler(
	store *TransactionStore,
	settlement *SettlementService,
	registry *gateways.Registry,
	scheduler Scheduler,
	cfg config.SweepConfig,
	timeout time.Duration,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store:      store,
		settlement: settlement,
		registry:   registry,
		scheduler:  scheduler,
		cfg:        cfg,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

// ScheduleExpiryCheck registers the one-shot check at the link's expiry.
// Scheduling the same transaction twice is not an error.
func (r *Reconciler) ScheduleExpiryCheck(ctx context.Context, trx *models.Transaction) error {
	at, ok := trx.Metadata.Data().LinkExpiresAt()
	if !ok {
		return fmt.Errorf("transaction %d has no link expiry", trx.ID)
	}
	return r.scheduler.ScheduleExpiryCheck(ctx, trx.ID, at)
}

func linkRef(trx *models.Transaction) gateways.LinkRef {
	ref := gateways.LinkRef{ReferenceId: trx.ReferenceId}
	if trx.PaymentLinkId != nil {
		ref.LinkId = *trx.PaymentLinkId
	}
	return ref
}

// poll asks the owning gateway for the current link status. The returned
// event always correlates back to trx.
func (r *Reconciler) poll(ctx context.Context, trx *models.Transaction) (*gateways.GatewayEvent, error) {
	gw, err := r.registry.Get(trx.Gateway)
	if err != nil {
		return nil, err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ev, err := gw.FetchStatus(ctx, linkRef(trx))
	if err != nil {
		return nil, err
	}
	ev.ReferenceId = trx.ReferenceId
	if trx.PaymentLinkId != nil {
		ev.LinkId = *trx.PaymentLinkId
	}
	return ev, nil
}

// CheckExpiredLink runs when a link's expiry passes. A transaction that is
// still PENDING afterwards is always cancelled: a gateway that cannot be
// queried is treated the same as an expired link.
func (r *Reconciler) CheckExpiredLink(ctx context.Context, trxId int) (*CheckResult, error) {
	trx, err := r.store.Get(ctx, trxId)
	if err != nil {
		return nil, err
	}
	result := &CheckResult{TransactionId: trx.ID, Status: trx.TransactionStatus, Outcome: CheckNoop}
	if trx.TransactionStatus != models.TransactionPending {
		metrics.RecordReconciliation("expiry", CheckNoop)
		return result, nil
	}

	log := r.logger.With(
		zap.Int("transaction_id", trx.ID),
		zap.String("gateway", trx.Gateway),
		zap.String("reference", trx.ReferenceId))

	ev, err := r.poll(ctx, trx)
	if err != nil {
		log.Warn("Gateway status query failed at link expiry, cancelling", zap.Error(err))
		if _, err := r.settlement.Cancel(ctx, trx, models.CancelQueryFailed); err != nil {
			metrics.RecordReconciliation("expiry", CheckError)
			return nil, err
		}
		result.Outcome = CheckQueryFailed
		return r.finish(ctx, "expiry", result)
	}

	if ev.Status == gateways.StatusPending {
		if _, err := r.settlement.Cancel(ctx, trx, models.CancelLinkExpired); err != nil {
			metrics.RecordReconciliation("expiry", CheckError)
			return nil, err
		}
		result.Outcome = CheckExpired
		return r.finish(ctx, "expiry", result)
	}

	settled, err := r.settlement.Settle(ctx, ev)
	if err != nil {
		metrics.RecordReconciliation("expiry", CheckError)
		return nil, err
	}
	if settled.Applied() {
		log.Info("Recovered transaction state from gateway",
			zap.String("status", string(settled.Transaction.TransactionStatus)),
			zap.String("link_status", ev.LinkStatus))
		result.Outcome = CheckApplied
	}
	return r.finish(ctx, "expiry", result)
}

// CheckTransaction polls the gateway for one PENDING link transaction and
// applies a final status if the gateway has one. It never cancels.
func (r *Reconciler) CheckTransaction(ctx context.Context, trxId int) (*CheckResult, error) {
	trx, err := r.store.Get(ctx, trxId)
	if err != nil {
		return nil, err
	}
	result := &CheckResult{TransactionId: trx.ID, Status: trx.TransactionStatus, Outcome: CheckNoop}
	if trx.TransactionStatus != models.TransactionPending || trx.PaymentMode != models.ModePaymentLink {
		metrics.RecordReconciliation("manual", CheckNoop)
		return result, nil
	}
	result.Outcome = r.sweepOne(ctx, trx)
	return r.finish(ctx, "manual", result)
}

func (r *Reconciler) finish(ctx context.Context, kind string, result *CheckResult) (*CheckResult, error) {
	if trx, err := r.store.Get(ctx, result.TransactionId); err == nil {
		result.Status = trx.TransactionStatus
	}
	metrics.RecordReconciliation(kind, result.Outcome)
	return result, nil
}

// Sweep polls up to BatchSize PENDING link transactions older than
// StaleAfter. Items are isolated: a failing item is counted and left PENDING
// for the next run, and never stops the others.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	rows, err := r.store.FindStale(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Scanned: len(rows)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := r.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i := range rows {
		trx := rows[i]
		g.Go(func() error {
			outcome := r.sweepOne(gctx, &trx)
			metrics.RecordReconciliation("sweep", outcome)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case CheckApplied:
				report.Applied++
			case CheckStillPending:
				report.StillPending++
			case CheckNoop:
				report.Skipped++
			default:
				report.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("Reconciliation sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("applied", report.Applied),
		zap.Int("still_pending", report.StillPending),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors))
	return report, nil
}

func (r *Reconciler) sweepOne(ctx context.Context, trx *models.Transaction) (outcome string) {
	log := r.logger.With(
		zap.Int("transaction_id", trx.ID),
		zap.String("gateway", trx.Gateway),
		zap.String("reference", trx.ReferenceId))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Sweep item panicked", zap.Any("panic", rec))
			outcome = CheckError
		}
	}()

	ev, err := r.poll(ctx, trx)
	if err != nil {
		level := log.Warn
		if !errors.Is(err, gateways.ErrGatewayQuery) {
			level = log.Error
		}
		level("Sweep could not query gateway", zap.Error(err))
		return CheckQueryFailed
	}
	if ev.Status == gateways.StatusPending {
		return CheckStillPending
	}

	settled, err := r.settlement.Settle(ctx, ev)
	if err != nil {
		log.Error("Sweep could not apply gateway status", zap.Error(err))
		return CheckError
	}
	if !settled.Applied() {
		return CheckNoop
	}
	log.Info("Sweep recovered transaction state",
		zap.String("status", string(settled.Transaction.TransactionStatus)))
	return CheckApplied
}

// StartScheduler registers the recurring sweep trigger. The cron job only
// enqueues the sweep so a single worker runs it no matter how many API
// replicas fire.
func (r *Reconciler) StartScheduler() (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.Cron, func() {
		r.logger.Debug("Enqueueing reconciliation sweep")
		if err := r.scheduler.EnqueueSweep(context.Background()); err != nil {
			r.logger.Error("Error scheduling reconciliation sweep", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", r.cfg.Cron, err)
	}
	c.Start()
	r.logger.Info("Reconciliation scheduler started", zap.String("cron", r.cfg.Cron))
	return c, nil
}
