package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
	"github.com/mmeshcher/invoice-ledger/internal/service"
)

type splitRequest struct {
	DepartmentName string          `json:"departmentName" validate:"max=100"`
	Amount         decimal.Decimal `json:"amount"`
}

type paymentRequest struct {
	InvoiceID          int64           `json:"invoiceId" validate:"required,gt=0"`
	AmountReceived     decimal.Decimal `json:"amountReceived"`
	BankCharges        decimal.Decimal `json:"bankCharges"`
	AmountWithheld     decimal.Decimal `json:"amountWithheld"`
	PaymentDate        string          `json:"paymentDate"`
	Mode               string          `json:"mode" validate:"max=50"`
	Reference          string          `json:"reference" validate:"max=100"`
	HasDepartmentSplit bool            `json:"hasDepartmentSplit"`
	DepartmentSplits   []splitRequest  `json:"departmentSplits" validate:"dive"`
}

// updatePaymentRequest совпадает с paymentRequest, но счёт берётся из самого платежа.
type updatePaymentRequest struct {
	AmountReceived     decimal.Decimal `json:"amountReceived"`
	BankCharges        decimal.Decimal `json:"bankCharges"`
	AmountWithheld     decimal.Decimal `json:"amountWithheld"`
	PaymentDate        string          `json:"paymentDate"`
	Mode               string          `json:"mode" validate:"max=50"`
	Reference          string          `json:"reference" validate:"max=100"`
	HasDepartmentSplit bool            `json:"hasDepartmentSplit"`
	DepartmentSplits   []splitRequest  `json:"departmentSplits" validate:"dive"`
}

type splitResponse struct {
	DepartmentName string  `json:"departmentName"`
	Amount         float64 `json:"amount"`
}

type paymentResponse struct {
	ID                 int64           `json:"id"`
	Number             string          `json:"paymentNumber"`
	InvoiceID          int64           `json:"invoiceId"`
	AmountReceived     float64         `json:"amountReceived"`
	BankCharges        float64         `json:"bankCharges"`
	AmountWithheld     float64         `json:"amountWithheld"`
	PaymentDate        string          `json:"paymentDate"`
	Mode               string          `json:"mode,omitempty"`
	Reference          string          `json:"reference,omitempty"`
	HasDepartmentSplit bool            `json:"hasDepartmentSplit"`
	DepartmentSplits   []splitResponse `json:"departmentSplits,omitempty"`
	CreatedAt          string          `json:"createdAt"`
}

type paymentResultResponse struct {
	Payment  *paymentResponse      `json:"payment,omitempty"`
	Invoice  *invoiceResponse      `json:"invoice,omitempty"`
	Customer *customerResponse     `json:"customer,omitempty"`
	Warnings []service.SoftFailure `json:"warnings,omitempty"`
}

func toPaymentResponse(p *model.Payment) *paymentResponse {
	if p == nil {
		return nil
	}

	resp := &paymentResponse{
		ID:                 p.ID,
		Number:             p.Number,
		InvoiceID:          p.InvoiceID,
		AmountReceived:     money.Float(p.AmountReceived),
		BankCharges:        money.Float(p.BankCharges),
		AmountWithheld:     money.Float(p.AmountWithheld),
		PaymentDate:        p.PaymentDate.Format(time.RFC3339),
		Mode:               p.Mode,
		Reference:          p.Reference,
		HasDepartmentSplit: p.HasDepartmentSplit,
		CreatedAt:          p.CreatedAt.Format(time.RFC3339),
	}
	for _, s := range p.DepartmentSplits {
		resp.DepartmentSplits = append(resp.DepartmentSplits, splitResponse{
			DepartmentName: s.DepartmentName,
			Amount:         money.Float(s.Amount),
		})
	}
	return resp
}

func toPaymentResult(res *service.PaymentResult) paymentResultResponse {
	return paymentResultResponse{
		Payment:  toPaymentResponse(res.Payment),
		Invoice:  toInvoiceResponse(res.Invoice),
		Customer: toCustomerResponse(res.Customer),
		Warnings: res.SoftFailures,
	}
}

func toSplits(in []splitRequest) []model.DepartmentSplit {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.DepartmentSplit, 0, len(in))
	for _, s := range in {
		out = append(out, model.DepartmentSplit{DepartmentName: s.DepartmentName, Amount: s.Amount})
	}
	return out
}

func (h *Handler) paymentInput(w http.ResponseWriter, invoiceID int64, req updatePaymentRequest) (service.PaymentInput, bool) {
	date, err := optionalDate(req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, service.CodeValidation, "paymentDate must be RFC 3339 or YYYY-MM-DD", nil)
		return service.PaymentInput{}, false
	}

	return service.PaymentInput{
		InvoiceID:          invoiceID,
		AmountReceived:     req.AmountReceived,
		BankCharges:        req.BankCharges,
		AmountWithheld:     req.AmountWithheld,
		PaymentDate:        date,
		Mode:               req.Mode,
		Reference:          req.Reference,
		HasDepartmentSplit: req.HasDepartmentSplit,
		DepartmentSplits:   toSplits(req.DepartmentSplits),
	}, true
}

// CreatePayment регистрирует платёж по счёту.
// Ответ 201 может содержать warnings, если часть производных данных не обновилась.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in, ok := h.paymentInput(w, req.InvoiceID, updatePaymentRequest{
		AmountReceived:     req.AmountReceived,
		BankCharges:        req.BankCharges,
		AmountWithheld:     req.AmountWithheld,
		PaymentDate:        req.PaymentDate,
		Mode:               req.Mode,
		Reference:          req.Reference,
		HasDepartmentSplit: req.HasDepartmentSplit,
		DepartmentSplits:   req.DepartmentSplits,
	})
	if !ok {
		return
	}

	res, err := h.service.CreatePayment(r.Context(), uid, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentResult(res))
}

// GetPayment возвращает платёж пользователя.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.service.GetPayment(r.Context(), uid, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// UpdatePayment изменяет суммы и разбивку платежа.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req updatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in, ok := h.paymentInput(w, 0, req)
	if !ok {
		return
	}

	res, err := h.service.UpdatePayment(r.Context(), uid, id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentResult(res))
}

// DeletePayment удаляет платёж и возвращает пересчитанный счёт.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.service.DeletePayment(r.Context(), uid, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentResult(res))
}

// ListInvoicePayments возвращает платежи счёта. Пустой список отдаётся как 204.
func (h *Handler) ListInvoicePayments(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceID")
	if !ok {
		return
	}

	payments, err := h.service.ListPaymentsByInvoice(r.Context(), uid, invoiceID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]*paymentResponse, 0, len(payments))
	for i := range payments {
		resp = append(resp, toPaymentResponse(&payments[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// PaymentHistoryPDF отдаёт PDF-выписку платежей по счёту.
func (h *Handler) PaymentHistoryPDF(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceID")
	if !ok {
		return
	}

	pdf, err := h.service.PaymentHistoryPDF(r.Context(), uid, invoiceID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="payments-`+strconv.FormatInt(invoiceID, 10)+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
