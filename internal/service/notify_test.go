package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/invoice-ledger/internal/notify"
	"github.com/mmeshcher/invoice-ledger/internal/slip"
)

type stubMailer struct {
	mu    sync.Mutex
	sent  []notify.PaymentSlip
	reply notify.SendResult
}

func (s *stubMailer) SendPaymentSlipEmail(ctx context.Context, msg notify.PaymentSlip) notify.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.reply
}

func (s *stubMailer) messages() []notify.PaymentSlip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.PaymentSlip(nil), s.sent...)
}

type stubRenderer struct {
	pdf     []byte
	err     error
	history slip.History
}

func (s *stubRenderer) PaymentHistory(ctx context.Context, h slip.History) ([]byte, error) {
	s.history = h
	return s.pdf, s.err
}

func TestCreatePayment_SendsSlipInBackground(t *testing.T) {
	repo := newMemRepo()
	mailer := &stubMailer{reply: notify.SendResult{Success: true, MessageID: "m-1"}}
	renderer := &stubRenderer{pdf: []byte("%PDF")}
	svc := newTestService(repo, func(d *Deps) {
		d.Mailer = mailer
		d.Renderer = renderer
	})

	c := repo.addCustomer(testUser, "billing@acme.test")
	_, inv := seedINRInvoice(repo, "1000", "0")
	stored := repo.invoice(inv.ID)
	stored.CustomerID = c.ID
	repo.invoices[inv.ID] = stored

	res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("400")})
	require.NoError(t, err)
	svc.Wait()

	sent := mailer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "billing@acme.test", sent[0].To)
	assert.Equal(t, res.Payment.Number, sent[0].PaymentNumber)
	assert.Equal(t, "400.00", sent[0].Amount)
	assert.Equal(t, []byte("%PDF"), sent[0].Attachment)
	assert.Len(t, renderer.history.Payments, 1)
}

func TestCreatePayment_RendererFailureSkipsEmail(t *testing.T) {
	repo := newMemRepo()
	mailer := &stubMailer{}
	svc := newTestService(repo, func(d *Deps) {
		d.Mailer = mailer
		d.Renderer = &stubRenderer{err: errors.New("chrome unavailable")}
	})

	c := repo.addCustomer(testUser, "billing@acme.test")
	_, inv := seedINRInvoice(repo, "1000", "0")
	stored := repo.invoice(inv.ID)
	stored.CustomerID = c.ID
	repo.invoices[inv.ID] = stored

	res, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("400")})
	require.NoError(t, err)
	assert.False(t, res.Degraded())
	svc.Wait()

	assert.Empty(t, mailer.messages())
}

func TestCreatePayment_NoEmailWithoutAddress(t *testing.T) {
	repo := newMemRepo()
	mailer := &stubMailer{}
	svc := newTestService(repo, func(d *Deps) { d.Mailer = mailer })
	_, inv := seedINRInvoice(repo, "1000", "0")

	_, err := svc.CreatePayment(context.Background(), testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("400")})
	require.NoError(t, err)
	svc.Wait()

	assert.Empty(t, mailer.messages())
}

func TestPaymentHistoryPDF(t *testing.T) {
	repo := newMemRepo()
	renderer := &stubRenderer{pdf: []byte("%PDF")}
	svc := newTestService(repo, func(d *Deps) { d.Renderer = renderer })
	_, inv := seedINRInvoice(repo, "1000", "0")
	ctx := context.Background()

	_, err := svc.CreatePayment(ctx, testUser, PaymentInput{InvoiceID: inv.ID, AmountReceived: dec("100")})
	require.NoError(t, err)

	pdf, err := svc.PaymentHistoryPDF(ctx, testUser, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), pdf)
	assert.Equal(t, "INR", renderer.history.BaseCurrency)

	renderer.err = slip.ErrEmptyHistory
	_, err = svc.PaymentHistoryPDF(ctx, testUser, inv.ID)
	requireCode(t, err, KindNotFound, CodeNoPayments)

	renderer.err = errors.New("chrome crashed")
	_, err = svc.PaymentHistoryPDF(ctx, testUser, inv.ID)
	requireCode(t, err, KindInternal, CodeInternal)

	_, err = svc.PaymentHistoryPDF(ctx, testUser+1, inv.ID)
	requireCode(t, err, KindNotFound, CodeInvoiceNotFound)
}
