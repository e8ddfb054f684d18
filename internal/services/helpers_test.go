package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"payment-service/internal/config"
	"payment-service/internal/database"
	"payment-service/internal/gateways"
	"payment-service/internal/models"
)

const fakeGatewayName = "fakepay"

var refSeq atomic.Int64

// fakeGateway answers polls from a per-reference table and parses a compact
// JSON webhook format used only in tests.
type fakeGateway struct {
	mu        sync.Mutex
	verifyErr error
	statuses  map[string]*gateways.GatewayEvent
	failures  map[string]error
	panics    map[string]bool
	polls     map[string]int
	links     []gateways.LinkRequest
	createErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses: map[string]*gateways.GatewayEvent{},
		failures: map[string]error{},
		panics:   map[string]bool{},
		polls:    map[string]int{},
	}
}

func (g *fakeGateway) Name() string { return fakeGatewayName }

func (g *fakeGateway) VerifySignature(rawBody []byte, headers http.Header) error {
	if g.verifyErr != nil {
		return g.verifyErr
	}
	if headers.Get("X-Fake-Signature") != "ok" {
		return gateways.ErrInvalidSignature
	}
	return nil
}

type fakeWebhook struct {
	Event     string `json:"event"`
	Reference string `json:"reference"`
	Link      string `json:"link"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Txn       string `json:"txn"`
	Reason    string `json:"reason"`
}

func (g *fakeGateway) ParseWebhook(rawBody []byte) (*gateways.GatewayEvent, error) {
	var w fakeWebhook
	if err := json.Unmarshal(rawBody, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", gateways.ErrMalformedPayload, err)
	}
	switch w.Event {
	case "":
		return nil, fmt.Errorf("%w: missing event", gateways.ErrMalformedPayload)
	case "ping":
		return nil, gateways.ErrUnknownEvent
	}
	return &gateways.GatewayEvent{
		Gateway:      fakeGatewayName,
		EventType:    w.Event,
		ReferenceId:  w.Reference,
		LinkId:       w.Link,
		Status:       gateways.Status(w.Status),
		AmountPaid:   w.Amount,
		GatewayTxnId: w.Txn,
		CancelReason: w.Reason,
	}, nil
}

func (g *fakeGateway) FetchStatus(ctx context.Context, ref gateways.LinkRef) (*gateways.GatewayEvent, error) {
	g.mu.Lock()
	g.polls[ref.ReferenceId]++
	panics := g.panics[ref.ReferenceId]
	err := g.failures[ref.ReferenceId]
	ev, ok := g.statuses[ref.ReferenceId]
	g.mu.Unlock()

	if panics {
		panic("gateway client blew up")
	}
	if err != nil {
		return nil, &gateways.QueryError{Gateway: fakeGatewayName, Op: "fetch status", Err: err}
	}
	if !ok {
		return &gateways.GatewayEvent{Gateway: fakeGatewayName, EventType: "poll", Status: gateways.StatusPending, LinkStatus: "ACTIVE"}, nil
	}
	out := *ev
	return &out, nil
}

func (g *fakeGateway) CreateLink(ctx context.Context, req gateways.LinkRequest) (*gateways.Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, &gateways.QueryError{Gateway: fakeGatewayName, Op: "create link", Err: g.createErr}
	}
	g.links = append(g.links, req)
	return &gateways.Link{
		LinkId:    "lnk_" + req.ReferenceId,
		LinkUrl:   "https://pay.example/" + req.ReferenceId,
		Status:    "ACTIVE",
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (g *fakeGateway) setStatus(reference string, status gateways.Status, linkStatus, reason string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[reference] = &gateways.GatewayEvent{
		Gateway:      fakeGatewayName,
		EventType:    "poll",
		Status:       status,
		LinkStatus:   linkStatus,
		CancelReason: reason,
		AmountPaid:   amount,
		GatewayTxnId: "txn_" + reference,
	}
}

func (g *fakeGateway) fail(reference string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[reference] = err
}

func (g *fakeGateway) pollCount(reference string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls[reference]
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *fakeNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[int]time.Time
	cancelled []int
	sweeps    int
	err       error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: map[int]time.Time{}}
}

func (s *fakeScheduler) ScheduleExpiryCheck(ctx context.Context, transactionId int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.scheduled[transactionId] = at
	return nil
}

func (s *fakeScheduler) CancelExpiryCheck(ctx context.Context, transactionId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, transactionId)
	delete(s.scheduled, transactionId)
	return nil
}

func (s *fakeScheduler) EnqueueSweep(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	return nil
}

// newTestDB opens a private in-memory sqlite database. A single connection
// keeps every goroutine on the same database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type testEnv struct {
	db         *gorm.DB
	gw         *fakeGateway
	notifier   *fakeNotifier
	scheduler  *fakeScheduler
	logger     *zap.Logger
	registry   *gateways.Registry
	store      *TransactionStore
	ledger     *PaymentLedger
	settlement *SettlementService
	reconciler *Reconciler
	webhooks   *WebhookService
	links      *LinkService
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	gw := newFakeGateway()
	notifier := &fakeNotifier{}
	scheduler := newFakeScheduler()
	log := zaptest.NewLogger(t)
	registry := gateways.NewRegistry(gw)

	store := NewTransactionStore(db, log)
	ledger := NewPaymentLedger(db, notifier, log)
	settlement := NewSettlementService(store, ledger, notifier, scheduler, log)
	reconciler := NewReconciler(store, settlement, registry, scheduler, config.SweepConfig{
		Cron:        "*/10 * * * *",
		StaleAfter:  15 * time.Minute,
		BatchSize:   50,
		Concurrency: 4,
	}, time.Second, log)

	now := time.Now().UTC().Truncate(time.Second)
	reconciler.now = func() time.Time { return now }

	return &testEnv{
		db:         db,
		gw:         gw,
		notifier:   notifier,
		scheduler:  scheduler,
		logger:     log,
		registry:   registry,
		store:      store,
		ledger:     ledger,
		settlement: settlement,
		reconciler: reconciler,
		webhooks:   NewWebhookService(db, registry, settlement, log),
		links:      NewLinkService(store, ledger, reconciler, registry, time.Hour, log),
		now:        now,
	}
}

func (e *testEnv) fullPayment(t *testing.T, amount int64) *models.Payment {
	t.Helper()
	p := &models.Payment{PaymentType: models.FullPaymentType, FinalAmount: amount}
	require.NoError(t, e.ledger.CreatePayment(context.Background(), p))
	return p
}

func (e *testEnv) installmentPayment(t *testing.T, first, second int64) *models.Payment {
	t.Helper()
	p := &models.Payment{
		PaymentType: models.InstallmentsType,
		FinalAmount: first + second,
		Installments: []models.InstallmentPayment{
			{InstallmentNumber: 1, Amount: first},
			{InstallmentNumber: 2, Amount: second},
		},
	}
	require.NoError(t, e.ledger.CreatePayment(context.Background(), p))
	return p
}

// linkTransaction stores a PENDING payment-link transaction created at createdAt.
func (e *testEnv) linkTransaction(t *testing.T, p *models.Payment, installment *int, amount int64, createdAt time.Time) *models.Transaction {
	t.Helper()
	reference := fmt.Sprintf("DSTEST%d%d%04d", p.ID, intValue(installment), refSeq.Add(1))
	linkId := "lnk_" + reference
	expiresAt := createdAt.Add(time.Hour)
	trx := &models.Transaction{
		PaymentId:         p.ID,
		InstallmentNumber: installment,
		Amount:            amount,
		PaymentMode:       models.ModePaymentLink,
		TransactionStatus: models.TransactionPending,
		Gateway:           fakeGatewayName,
		PaymentLinkId:     &linkId,
		ReferenceId:       reference,
		CreatedAt:         createdAt,
		Metadata: datatypes.NewJSONType(models.GatewayMetadata{
			PaymentType: p.PaymentType,
			Type:        models.MetadataLink,
			Gateway: &models.GatewayLinkInfo{
				LinkId:        linkId,
				LinkStatus:    "ACTIVE",
				LinkExpiresAt: &expiresAt,
				ReferenceId:   reference,
			},
		}),
	}
	require.NoError(t, e.store.Create(context.Background(), trx))
	return trx
}

func (e *testEnv) reloadPayment(t *testing.T, id int) *models.Payment {
	t.Helper()
	p, err := e.ledger.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (e *testEnv) reloadTransaction(t *testing.T, id int) *models.Transaction {
	t.Helper()
	trx, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return trx
}

func webhookBody(t *testing.T, w fakeWebhook) []byte {
	t.Helper()
	body, err := json.Marshal(w)
	require.NoError(t, err)
	return body
}

func signed() http.Header {
	h := http.Header{}
	h.Set("X-Fake-Signature", "ok")
	return h
}

func successEvent(trx *models.Transaction) *gateways.GatewayEvent {
	return &gateways.GatewayEvent{
		Gateway:      fakeGatewayName,
		EventType:    "payment.paid",
		ReferenceId:  trx.ReferenceId,
		Status:       gateways.StatusSuccess,
		AmountPaid:   trx.Amount,
		GatewayTxnId: "pay_" + trx.ReferenceId,
	}
}

func intPtr(v int) *int { return &v }

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
