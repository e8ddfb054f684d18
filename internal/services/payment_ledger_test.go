package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/models"
)

func TestCreatePayment_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.ledger.CreatePayment(ctx, &models.Payment{PaymentType: "WEEKLY", FinalAmount: 100})
	assert.ErrorIs(t, err, ErrObligationMismatch)

	err = env.ledger.CreatePayment(ctx, &models.Payment{
		PaymentType:  models.InstallmentsType,
		FinalAmount:  5000,
		Installments: []models.InstallmentPayment{{InstallmentNumber: 1, Amount: 5000}},
	})
	assert.ErrorIs(t, err, ErrObligationMismatch)

	full := env.fullPayment(t, 5000)
	got := env.reloadPayment(t, full.ID)
	require.NotNil(t, got.FullPayment)
	assert.False(t, got.FullPayment.IsPaid)
	assert.Equal(t, models.PaymentPending, got.PaymentStatus)

	inst := env.installmentPayment(t, 2500, 2500)
	got = env.reloadPayment(t, inst.ID)
	assert.Len(t, got.Installments, 2)
	assert.Nil(t, got.FullPayment)
}

func TestMarkObligationPaid_FullPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.fullPayment(t, 5000)
	paidAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	req := ObligationRequest{
		TransactionId: 11,
		PaymentId:     p.ID,
		PaymentType:   models.FullPaymentType,
		ReferenceId:   "DS-FULL",
		PaymentMode:   models.ModePaymentLink,
		Amount:        5000,
		PaidAt:        paidAt,
	}
	payment, changed, err := env.ledger.MarkObligationPaid(ctx, req)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.PaymentFullyPaid, payment.PaymentStatus)
	require.NotNil(t, payment.FullPayment)
	assert.True(t, payment.FullPayment.IsPaid)
	require.NotNil(t, payment.FullPayment.PaymentMode)
	assert.Equal(t, models.ModePaymentLink, *payment.FullPayment.PaymentMode)

	payment, changed, err = env.ledger.MarkObligationPaid(ctx, req)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.PaymentFullyPaid, payment.PaymentStatus)

	sent := env.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, NotifyPaid, sent[0].Outcome)
	assert.Equal(t, 11, sent[0].TransactionId)
	assert.Equal(t, p.ID, sent[0].PaymentId)
	assert.Equal(t, string(models.PaymentFullyPaid), sent[0].PaymentStatus)
}

func TestMarkObligationPaid_CreatesMissingFullPaymentRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := &models.Payment{PaymentType: models.FullPaymentType, PaymentStatus: models.PaymentPending, FinalAmount: 3000}
	require.NoError(t, env.db.Create(p).Error)

	payment, changed, err := env.ledger.MarkObligationPaid(ctx, ObligationRequest{
		PaymentId:   p.ID,
		PaymentMode: models.ModeCash,
		Amount:      3000,
	})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, payment.FullPayment)
	assert.True(t, payment.FullPayment.IsPaid)
	assert.Equal(t, models.PaymentFullyPaid, payment.PaymentStatus)
}

func TestMarkObligationPaid_PaidRecordIsNeverRewritten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.installmentPayment(t, 2500, 2500)
	firstPaid := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _, err := env.ledger.MarkObligationPaid(ctx, ObligationRequest{
		PaymentId:         p.ID,
		InstallmentNumber: intPtr(1),
		PaymentMode:       models.ModePaymentLink,
		Amount:            2500,
		PaidAt:            firstPaid,
	})
	require.NoError(t, err)

	payment, changed, err := env.ledger.MarkObligationPaid(ctx, ObligationRequest{
		PaymentId:         p.ID,
		InstallmentNumber: intPtr(1),
		PaymentMode:       models.ModeCash,
		Amount:            9999,
		PaidAt:            firstPaid.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, changed)

	inst := payment.Installment(1)
	require.NotNil(t, inst)
	assert.True(t, inst.IsPaid)
	assert.Equal(t, int64(2500), inst.Amount)
	require.NotNil(t, inst.PaymentMode)
	assert.Equal(t, models.ModePaymentLink, *inst.PaymentMode)
	require.NotNil(t, inst.PaymentDate)
	assert.True(t, firstPaid.Equal(inst.PaymentDate.UTC()))
	assert.Equal(t, models.PaymentPartiallyPaid, payment.PaymentStatus)
}

func TestMarkObligationPaid_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	full := env.fullPayment(t, 5000)
	inst := env.installmentPayment(t, 2500, 2500)

	tests := []struct {
		name string
		req  ObligationRequest
		want error
	}{
		{
			name: "unknown payment",
			req:  ObligationRequest{PaymentId: 999_999},
			want: ErrPaymentNotFound,
		},
		{
			name: "installment on full payment",
			req:  ObligationRequest{PaymentId: full.ID, InstallmentNumber: intPtr(1)},
			want: ErrObligationMismatch,
		},
		{
			name: "missing installment number",
			req:  ObligationRequest{PaymentId: inst.ID},
			want: ErrObligationMismatch,
		},
		{
			name: "installment does not exist",
			req:  ObligationRequest{PaymentId: inst.ID, InstallmentNumber: intPtr(3)},
			want: ErrObligationNotFound,
		},
		{
			name: "payment type disagrees",
			req:  ObligationRequest{PaymentId: inst.ID, PaymentType: models.FullPaymentType},
			want: ErrObligationMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, changed, err := env.ledger.MarkObligationPaid(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, changed)
		})
	}

	assert.Equal(t, models.PaymentPending, env.reloadPayment(t, full.ID).PaymentStatus)
	assert.Equal(t, models.PaymentPending, env.reloadPayment(t, inst.ID).PaymentStatus)
	assert.Empty(t, env.notifier.all())
}

func TestMarkObligationPaid_NotifierFailureKeepsPayment(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("broker down")
	p := env.fullPayment(t, 5000)

	payment, changed, err := env.ledger.MarkObligationPaid(context.Background(), ObligationRequest{
		PaymentId:   p.ID,
		PaymentMode: models.ModePaymentLink,
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.PaymentFullyPaid, payment.PaymentStatus)
	assert.Equal(t, models.PaymentFullyPaid, env.reloadPayment(t, p.ID).PaymentStatus)
}

// Every order of installment settlements, replays included, must leave the
// payment status matching the number of paid sub-records.
func TestMarkObligationPaid_AggregateFollowsSubRecords(t *testing.T) {
	sequences := [][]int{
		{1, 2},
		{2, 1},
		{1, 1, 2},
		{2, 2, 1, 1},
		{2, 1, 2, 1},
	}
	for _, seq := range sequences {
		seq := seq
		t.Run("", func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			p := env.installmentPayment(t, 2500, 2500)
			trxs := map[int]*models.Transaction{
				1: env.linkTransaction(t, p, intPtr(1), 2500, env.now),
				2: env.linkTransaction(t, p, intPtr(2), 2500, env.now),
			}

			for _, n := range seq {
				_, err := env.settlement.Settle(ctx, successEvent(trxs[n]))
				require.NoError(t, err)

				got := env.reloadPayment(t, p.ID)
				paid := 0
				for _, inst := range got.Installments {
					if inst.IsPaid {
						paid++
					}
				}
				switch paid {
				case 0:
					assert.Equal(t, models.PaymentPending, got.PaymentStatus)
				case 1:
					assert.Equal(t, models.PaymentPartiallyPaid, got.PaymentStatus)
				default:
					assert.Equal(t, models.PaymentFullyPaid, got.PaymentStatus)
				}
			}

			assert.Equal(t, models.PaymentFullyPaid, env.reloadPayment(t, p.ID).PaymentStatus)
			// one notification per installment, never per replay
			assert.Len(t, env.notifier.all(), 2)
		})
	}
}
