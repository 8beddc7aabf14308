package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/currency"
	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/numbering"
)

const testUser int64 = 42

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

func newTestService(repo *memRepo, opts ...func(*Deps)) *Service {
	d := Deps{
		Repo:       repo,
		Normalizer: currency.NewNormalizer("INR"),
		Logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(&d)
	}

	svc := NewService(d)
	svc.now = func() time.Time { return testNow }
	for _, ch := range []*numbering.Chain{svc.paymentNumbers, svc.invoiceNumbers} {
		ch.Delay = time.Microsecond
		ch.Jitter = 0
		ch.Now = svc.now
	}
	return svc
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2), msgAndArgs...)
}

func requireCode(t *testing.T, err error, kind Kind, code string) *Error {
	t.Helper()
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "expected *service.Error, got %T: %v", err, err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, code, e.Code)
	return e
}

func seedINRInvoice(repo *memRepo, receivable, received string) (model.Customer, model.Invoice) {
	c := repo.addCustomer(testUser, "")
	inv := repo.addInvoice(model.Invoice{
		UserID:           testUser,
		CustomerID:       c.ID,
		Currency:         "INR",
		ExchangeRate:     decimal.NewFromInt(1),
		ReceivableAmount: dec(receivable),
		ReceivedAmount:   dec(received),
		PaidAmount:       dec(received),
		DueAmount:        dec(receivable).Sub(dec(received)),
	})
	return c, inv
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	u, err := svc.RegisterUser(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, DefaultModules, u.Modules)

	_, err = svc.RegisterUser(ctx, "alice", "other")
	requireCode(t, err, KindConflict, CodeUserExists)

	got, err := svc.AuthenticateUser(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.AuthenticateUser(ctx, "alice", "wrong")
	requireCode(t, err, KindUnauthorized, CodeInvalidCredentials)

	_, err = svc.AuthenticateUser(ctx, "bob", "secret")
	requireCode(t, err, KindUnauthorized, CodeInvalidCredentials)
}

func TestCreatePayment_SimpleAndPayoff(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	res, err := svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("400")})
	require.NoError(t, err)
	assert.False(t, res.Degraded())
	assert.Equal(t, "PAY20260001", res.Payment.Number)
	assertMoney(t, "400.00", res.Payment.AmountReceived)
	assertMoney(t, "400.00", res.Invoice.ReceivedAmount)
	assertMoney(t, "600.00", res.Invoice.DueAmount)
	assert.Equal(t, model.InvoiceStatusPartial, res.Invoice.Status)
	require.NotNil(t, res.Customer)

	res, err = svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("600")})
	require.NoError(t, err)
	assert.Equal(t, "PAY20260002", res.Payment.Number)

	stored := repo.invoice(inv.ID)
	assertMoney(t, "1000.00", stored.ReceivedAmount)
	assertMoney(t, "1000.00", stored.PaidAmount)
	assertMoney(t, "0.00", stored.DueAmount)
	assert.Equal(t, model.InvoiceStatusPaid, stored.Status)

	rev, ok := repo.revenues[inv.ID]
	require.True(t, ok)
	assertMoney(t, "1000.00", rev.Amount)
	assert.Equal(t, model.InvoiceStatusPaid, rev.Status)
}

func TestCreatePayment_OverpaymentRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "1000")
	before := repo.invoice(inv.ID)

	_, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("1")})
	e := requireCode(t, err, KindValidation, CodeBalanceExceeded)
	assert.Equal(t, 0.0, e.Details["available"])
	assert.Equal(t, 1.0, e.Details["requested"])

	assert.Equal(t, before, repo.invoice(inv.ID))
	assert.Equal(t, 0, repo.paymentCount())
}

func TestCreatePayment_SplitMismatchRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")

	_, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{
		InvoiceID:          inv.ID,
		AmountReceived:     dec("500"),
		HasDepartmentSplit: true,
		DepartmentSplits: []model.DepartmentSplit{
			{DepartmentName: "A", Amount: dec("300")},
			{DepartmentName: "B", Amount: dec("150")},
		},
	})
	e := requireCode(t, err, KindValidation, "SPLIT_MISMATCH")
	assert.Contains(t, e.Message, "450.00")
	assert.Contains(t, e.Message, "500.00")

	assert.Equal(t, 0, repo.paymentCount())
	assert.Equal(t, 0, repo.splitCount())
	assert.Equal(t, 0, repo.insertCalls)
}

func TestCreatePayment_SplitRoundingToZeroRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")

	_, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{
		InvoiceID:          inv.ID,
		AmountReceived:     dec("100"),
		HasDepartmentSplit: true,
		DepartmentSplits: []model.DepartmentSplit{
			{DepartmentName: "A", Amount: dec("99.996")},
			{DepartmentName: "B", Amount: dec("0.004")},
		},
	})
	requireCode(t, err, KindValidation, "SPLIT_ENTRY_INVALID")

	assert.Equal(t, 0, repo.paymentCount())
	assert.Equal(t, 0, repo.splitCount())
	assertMoney(t, "0.00", repo.invoice(inv.ID).ReceivedAmount)
}

func TestCreatePayment_ForeignCurrency(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	c := repo.addCustomer(testUser, "")
	inv := repo.addInvoice(model.Invoice{
		UserID:           testUser,
		CustomerID:       c.ID,
		Currency:         "USD",
		ExchangeRate:     dec("90"),
		ReceivableAmount: dec("100"),
		DueAmount:        dec("9000"),
	})

	res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("50")})
	require.NoError(t, err)
	assertMoney(t, "4500.00", res.Payment.AmountReceived)
	assertMoney(t, "4500.00", res.Invoice.ReceivedAmount)
	assertMoney(t, "4500.00", res.Invoice.DueAmount)
	assert.Equal(t, model.InvoiceStatusPartial, res.Invoice.Status)
}

func TestCreatePayment_SplitAmountsStayInBase(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	c := repo.addCustomer(testUser, "")
	inv := repo.addInvoice(model.Invoice{
		UserID:           testUser,
		CustomerID:       c.ID,
		Currency:         "USD",
		ExchangeRate:     dec("90"),
		ReceivableAmount: dec("100"),
		DueAmount:        dec("9000"),
	})

	res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{
		InvoiceID:          inv.ID,
		AmountReceived:     dec("4500"),
		HasDepartmentSplit: true,
		DepartmentSplits: []model.DepartmentSplit{
			{DepartmentName: "Sales", Amount: dec("4000")},
			{DepartmentName: " support ", Amount: dec("500")},
		},
	})
	require.NoError(t, err)
	assertMoney(t, "4500.00", res.Payment.AmountReceived)
	assert.Equal(t, 2, repo.splitCount())
	assert.Equal(t, "support", res.Payment.DepartmentSplits[1].DepartmentName)
	assert.Equal(t, []string{"sales", "support"}, lowerNames(repo.deptRevenues[inv.ID]))
}

func TestCreatePayment_VoidAndForeignInvoice(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	_, err := svc.CreatePayment(ctx, testUser+1, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("10")})
	requireCode(t, err, KindNotFound, CodeInvoiceNotFound)

	_, err = svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: 999, AmountReceived: dec("10")})
	requireCode(t, err, KindNotFound, CodeInvoiceNotFound)

	_, err = svc.VoidInvoice(ctx, testUser, inv.ID)
	require.NoError(t, err)

	_, err = svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("10")})
	requireCode(t, err, KindValidation, CodeInvoiceVoid)
}

func TestCreatePayment_RejectsNonPositiveAmount(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")

	_, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: decimal.Zero})
	requireCode(t, err, KindValidation, CodeValidation)
}

func TestCreatePayment_DuplicateNumberResolution(t *testing.T) {
	for n := 1; n <= numbering.DefaultAttempts; n++ {
		repo := newMemRepo()
		repo.duplicates = n - 1
		svc := newTestService(repo)
		_, inv := seedINRInvoice(repo, "1000", "0")

		res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("10")})
		require.NoError(t, err, "n=%d", n)
		assert.Len(t, res.Payment.Number, len("PAY20260001"), "n=%d", n)
		assert.Equal(t, n, repo.insertCalls, "n=%d", n)
		assert.Equal(t, 1, repo.paymentCount(), "n=%d", n)
	}
}

func TestCreatePayment_FallbackNumber(t *testing.T) {
	repo := newMemRepo()
	repo.duplicates = numbering.DefaultAttempts
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")

	res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("10")})
	require.NoError(t, err)
	assert.Len(t, res.Payment.Number, len("PAY2026")+6)
	assert.Equal(t, numbering.DefaultAttempts+1, repo.insertCalls)
}

func TestCreatePayment_AllStrategiesCollide(t *testing.T) {
	repo := newMemRepo()
	repo.duplicates = 100
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	before := repo.invoice(inv.ID)

	_, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("10")})
	e := requireCode(t, err, KindConflict, CodePaymentCreationFailed)
	assert.Equal(t, CodeDuplicatePaymentNumber, e.Details["reason"])
	assert.True(t, errors.Is(err, numbering.ErrExhausted))

	assert.Equal(t, 0, repo.paymentCount())
	assert.Equal(t, before, repo.invoice(inv.ID))
}

func TestCreatePayment_SoftFailures(t *testing.T) {
	repo := newMemRepo()
	repo.splitErr = errors.New("split table unavailable")
	repo.revenueErr = errors.New("revenue table unavailable")
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")

	res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{
		InvoiceID:          inv.ID,
		AmountReceived:     dec("500"),
		HasDepartmentSplit: true,
		DepartmentSplits: []model.DepartmentSplit{
			{DepartmentName: "A", Amount: dec("300")},
			{DepartmentName: "B", Amount: dec("200")},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Degraded())

	var effects []string
	for _, f := range res.SoftFailures {
		effects = append(effects, f.Effect)
	}
	assert.Equal(t, []string{EffectPaymentSplits, EffectRevenue, EffectDepartmentRevenue}, effects)

	assert.Equal(t, 1, repo.paymentCount())
	assertMoney(t, "500.00", repo.invoice(inv.ID).ReceivedAmount)
}

func TestCreatePayment_RetriesInvoiceVersionConflict(t *testing.T) {
	repo := newMemRepo()
	repo.conflicts = 2
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")

	res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("250")})
	require.NoError(t, err)
	assertMoney(t, "250.00", res.Invoice.ReceivedAmount)
	assertMoney(t, "250.00", repo.invoice(inv.ID).ReceivedAmount)
}

func TestCreatePayment_InvoiceUpdateFails(t *testing.T) {
	repo := newMemRepo()
	repo.conflicts = invoiceUpdateAttempts
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")

	_, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("250")})
	e := requireCode(t, err, KindInternal, CodeInvoiceUpdateFailed)
	assert.Equal(t, inv.ID, e.Details["invoiceId"])

	// платёж сохранён, остаток восстанавливается сверкой
	assert.Equal(t, 1, repo.paymentCount())
	res, err := svc.ReconcileInvoice(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	assertMoney(t, "250.00", res.Invoice.ReceivedAmount)
}

func TestUpdatePayment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	created, err := svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("400")})
	require.NoError(t, err)
	id := created.Payment.ID

	res, err := svc.UpdatePayment(ctx, testUser, id, PaymentInput{AmountReceived: dec("1000"), Mode: "bank"})
	require.NoError(t, err)
	assert.Equal(t, created.Payment.Number, res.Payment.Number)
	assert.Equal(t, "bank", res.Payment.Mode)
	assertMoney(t, "1000.00", res.Invoice.ReceivedAmount)
	assert.Equal(t, model.InvoiceStatusPaid, res.Invoice.Status)

	_, err = svc.UpdatePayment(ctx, testUser, id, PaymentInput{AmountReceived: dec("1000.02")})
	e := requireCode(t, err, KindValidation, CodeBalanceExceeded)
	assert.Equal(t, 1000.0, e.Details["available"])
	assertMoney(t, "1000.00", repo.invoice(inv.ID).ReceivedAmount)

	res, err = svc.UpdatePayment(ctx, testUser, id, PaymentInput{
		AmountReceived:     dec("300"),
		HasDepartmentSplit: true,
		DepartmentSplits:   []model.DepartmentSplit{{DepartmentName: "Ops", Amount: dec("300")}},
	})
	require.NoError(t, err)
	assertMoney(t, "300.00", res.Invoice.ReceivedAmount)
	assert.Equal(t, model.InvoiceStatusPartial, res.Invoice.Status)
	assert.Equal(t, 1, repo.splitCount())

	res, err = svc.UpdatePayment(ctx, testUser, id, PaymentInput{AmountReceived: dec("300")})
	require.NoError(t, err)
	assert.False(t, res.Payment.HasDepartmentSplit)
	assert.Equal(t, 0, repo.splitCount())

	_, err = svc.UpdatePayment(ctx, testUser+1, id, PaymentInput{AmountReceived: dec("1")})
	requireCode(t, err, KindNotFound, CodePaymentNotFound)
}

func TestDeletePayment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	created, err := svc.CreatePayment(ctx, testUser, PaymentInput{
		InvoiceID:          inv.ID,
		AmountReceived:     dec("400"),
		HasDepartmentSplit: true,
		DepartmentSplits:   []model.DepartmentSplit{{DepartmentName: "Ops", Amount: dec("400")}},
	})
	require.NoError(t, err)
	require.Contains(t, repo.revenues, inv.ID)

	res, err := svc.DeletePayment(ctx, testUser, created.Payment.ID)
	require.NoError(t, err)
	assertMoney(t, "0.00", res.Invoice.ReceivedAmount)
	assertMoney(t, "1000.00", res.Invoice.DueAmount)
	assert.Equal(t, model.InvoiceStatusUnpaid, res.Invoice.Status)

	assert.Equal(t, 0, repo.paymentCount())
	assert.Equal(t, 0, repo.splitCount())
	assert.NotContains(t, repo.revenues, inv.ID)
	assert.Empty(t, repo.deptRevenues[inv.ID])

	_, err = svc.DeletePayment(ctx, testUser, created.Payment.ID)
	requireCode(t, err, KindNotFound, CodePaymentNotFound)
}

func TestDeletePayment_KeepsSplitsWhenDeleteFails(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	created, err := svc.CreatePayment(ctx, testUser, PaymentInput{
		InvoiceID:          inv.ID,
		AmountReceived:     dec("400"),
		HasDepartmentSplit: true,
		DepartmentSplits: []model.DepartmentSplit{
			{DepartmentName: "Ops", Amount: dec("250")},
			{DepartmentName: "Sales", Amount: dec("150")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, repo.splitCount())

	repo.deletePaymentErr = errors.New("payments table locked")
	_, err = svc.DeletePayment(ctx, testUser, created.Payment.ID)
	requireCode(t, err, KindInternal, CodeInternal)

	assert.Equal(t, 1, repo.paymentCount())
	assert.Equal(t, 2, repo.splitCount())
	assertMoney(t, "400.00", repo.invoice(inv.ID).ReceivedAmount)

	repo.deletePaymentErr = nil
	_, err = svc.DeletePayment(ctx, testUser, created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, repo.splitCount())
}

func TestDeletePayment_ClampsAtZero(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	created, err := svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("400")})
	require.NoError(t, err)

	stored := repo.invoice(inv.ID)
	stored.ReceivedAmount = dec("100")
	repo.invoices[inv.ID] = stored

	res, err := svc.DeletePayment(ctx, testUser, created.Payment.ID)
	require.NoError(t, err)
	assertMoney(t, "0.00", res.Invoice.ReceivedAmount)
	assert.Equal(t, model.InvoiceStatusUnpaid, res.Invoice.Status)
}

func TestBalanceConservation(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "5000", "0")
	ctx := context.Background()

	var ids []int64
	for _, amt := range []string{"100.10", "250.55", "999.99", "1200", "42.42"} {
		res, err := svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec(amt)})
		require.NoError(t, err)
		ids = append(ids, res.Payment.ID)
	}

	_, err := svc.UpdatePayment(ctx, testUser, ids[1], PaymentInput{AmountReceived: dec("10.01")})
	require.NoError(t, err)
	_, err = svc.DeletePayment(ctx, testUser, ids[3])
	require.NoError(t, err)
	_, err = svc.UpdatePayment(ctx, testUser, ids[2], PaymentInput{AmountReceived: dec("2000.33")})
	require.NoError(t, err)
	_, err = svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("5000")})
	requireCode(t, err, KindValidation, CodeBalanceExceeded)

	payments, err := svc.ListPaymentsByInvoice(ctx, testUser, inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 4)

	live := decimal.Zero
	for _, p := range payments {
		live = live.Add(p.AmountReceived)
	}

	stored := repo.invoice(inv.ID)
	assert.True(t, stored.ReceivedAmount.Sub(live).Abs().LessThanOrEqual(dec("0.01")),
		"received %s, live payments %s", stored.ReceivedAmount, live)
	assert.False(t, stored.DueAmount.IsNegative())
}

func TestGetPayment_Ownership(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	created, err := svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("1")})
	require.NoError(t, err)

	p, err := svc.GetPayment(ctx, testUser, created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Payment.Number, p.Number)

	_, err = svc.GetPayment(ctx, testUser+1, created.Payment.ID)
	requireCode(t, err, KindNotFound, CodePaymentNotFound)

	_, err = svc.ListPaymentsByInvoice(ctx, testUser+1, inv.ID)
	requireCode(t, err, KindNotFound, CodeInvoiceNotFound)
}
