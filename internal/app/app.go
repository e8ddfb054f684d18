// Package app wires the reconciliation services for the API, worker and
// operator binaries.
package app

import (
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"payment-service/internal/config"
	"payment-service/internal/gateways"
	"payment-service/internal/services"
	"payment-service/internal/worker"
	"payment-service/pkg/common"
)

// defaultSweepWindow is used when the sweep schedule cannot be parsed.
const defaultSweepWindow = 5 * time.Minute

// SweepUniqueWindow is the gap between two consecutive runs of the sweep
// schedule. Enqueueing with it as the uniqueness window keeps overlapping
// triggers from several replicas down to one sweep per tick.
func SweepUniqueWindow(schedule string) time.Duration {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return defaultSweepWindow
	}
	first := sched.Next(time.Now())
	if gap := sched.Next(first).Sub(first); gap > 0 {
		return gap
	}
	return defaultSweepWindow
}

type Services struct {
	Registry   *gateways.Registry
	Tasks      *worker.TaskClient
	Store      *services.TransactionStore
	Ledger     *services.PaymentLedger
	Settlement *services.SettlementService
	Reconciler *services.Reconciler
	Webhooks   *services.WebhookService
	Links      *services.LinkService
}

func NewRegistry(cfg *config.Config) *gateways.Registry {
	client := common.NewHTTPClient(cfg.GatewayTimeout)
	return gateways.NewRegistry(
		gateways.NewRazorpayGateway(cfg.Razorpay, client),
		gateways.NewPhonePeGateway(cfg.PhonePe, client),
		gateways.NewCashfreeGateway(cfg.Cashfree, client),
	)
}

func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisURL}
}

// NewServices builds the service graph on top of an asynq-backed task
// client, which serves as both scheduler and notifier.
func NewServices(cfg *config.Config, db *gorm.DB, tasks *worker.TaskClient, logger *zap.Logger) *Services {
	registry := NewRegistry(cfg)

	store := services.NewTransactionStore(db, logger)
	ledger := services.NewPaymentLedger(db, tasks, logger)
	settlement := services.NewSettlementService(store, ledger, tasks, tasks, logger)
	reconciler := services.NewReconciler(store, settlement, registry, tasks, cfg.Sweep, cfg.GatewayTimeout, logger)

	return &Services{
		Registry:   registry,
		Tasks:      tasks,
		Store:      store,
		Ledger:     ledger,
		Settlement: settlement,
		Reconciler: reconciler,
		Webhooks:   services.NewWebhookService(db, registry, settlement, logger),
		Links:      services.NewLinkService(store, ledger, reconciler, registry, cfg.LinkTTL, logger),
	}
}
