package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
	"github.com/mmeshcher/invoice-ledger/internal/service"
)

type customerRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
}

type customerResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type invoiceRequest struct {
	CustomerID    int64            `json:"customerId" validate:"required,gt=0"`
	Currency      string           `json:"currency" validate:"omitempty,len=3,alpha"`
	ExchangeRate  decimal.Decimal  `json:"exchangeRate"`
	InrEquivalent *decimal.Decimal `json:"inrEquivalent"`
	Amount        decimal.Decimal  `json:"amount"`
	IssuedAt      string           `json:"issuedAt"`
	DueAt         string           `json:"dueAt"`
}

type invoiceResponse struct {
	ID               int64    `json:"id"`
	Number           string   `json:"invoiceNumber"`
	CustomerID       int64    `json:"customerId"`
	Currency         string   `json:"currency"`
	ExchangeRate     float64  `json:"exchangeRate"`
	InrEquivalent    *float64 `json:"inrEquivalent,omitempty"`
	ReceivableAmount float64  `json:"receivableAmount"`
	ReceivedAmount   float64  `json:"receivedAmount"`
	PaidAmount       float64  `json:"paidAmount"`
	DueAmount        float64  `json:"dueAmount"`
	Status           string   `json:"status"`
	IssuedAt         string   `json:"issuedAt"`
	DueAt            string   `json:"dueAt,omitempty"`
}

type recurringRequest struct {
	CustomerID   int64           `json:"customerId" validate:"required,gt=0"`
	Currency     string          `json:"currency" validate:"omitempty,len=3,alpha"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
	Amount       decimal.Decimal `json:"amount"`
	RRule        string          `json:"rrule" validate:"required,max=500"`
	StartsAt     string          `json:"startsAt"`
}

type recurringResponse struct {
	ID         int64   `json:"id"`
	CustomerID int64   `json:"customerId"`
	Currency   string  `json:"currency"`
	Amount     float64 `json:"amount"`
	RRule      string  `json:"rrule"`
	StartsAt   string  `json:"startsAt"`
	NextRunAt  string  `json:"nextRunAt"`
	Active     bool    `json:"active"`
}

type departmentResponse struct {
	DepartmentName string  `json:"departmentName"`
	Amount         float64 `json:"amount"`
}

func toCustomerResponse(c *model.Customer) *customerResponse {
	if c == nil {
		return nil
	}
	return &customerResponse{ID: c.ID, Name: c.Name, Email: c.Email}
}

func toInvoiceResponse(inv *model.Invoice) *invoiceResponse {
	if inv == nil {
		return nil
	}

	rate, _ := inv.ExchangeRate.Float64()
	resp := &invoiceResponse{
		ID:               inv.ID,
		Number:           inv.Number,
		CustomerID:       inv.CustomerID,
		Currency:         inv.Currency,
		ExchangeRate:     rate,
		ReceivableAmount: money.Float(inv.ReceivableAmount),
		ReceivedAmount:   money.Float(inv.ReceivedAmount),
		PaidAmount:       money.Float(inv.PaidAmount),
		DueAmount:        money.Float(inv.DueAmount),
		Status:           string(inv.Status),
		IssuedAt:         inv.IssuedAt.Format(time.RFC3339),
	}
	if inv.InrEquivalent != nil {
		v := money.Float(*inv.InrEquivalent)
		resp.InrEquivalent = &v
	}
	if inv.DueAt != nil {
		resp.DueAt = inv.DueAt.Format(time.RFC3339)
	}
	return resp
}

// CreateCustomer создаёт покупателя.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req customerRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.service.CreateCustomer(r.Context(), uid, req.Name, req.Email)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCustomerResponse(c))
}

// CreateInvoice выставляет счёт покупателю.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req invoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	issued, err := optionalDate(req.IssuedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, service.CodeValidation, "issuedAt must be RFC 3339 or YYYY-MM-DD", nil)
		return
	}

	in := service.InvoiceInput{
		CustomerID:    req.CustomerID,
		Currency:      req.Currency,
		ExchangeRate:  req.ExchangeRate,
		InrEquivalent: req.InrEquivalent,
		Amount:        req.Amount,
		IssuedAt:      issued,
	}
	if req.DueAt != "" {
		due, _, err := parseDate(req.DueAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, service.CodeValidation, "dueAt must be RFC 3339 or YYYY-MM-DD", nil)
			return
		}
		in.DueAt = &due
	}

	inv, err := h.service.CreateInvoice(r.Context(), uid, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

// GetInvoice возвращает счёт пользователя.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), uid, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

// VoidInvoice переводит счёт в статус Void.
func (h *Handler) VoidInvoice(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	inv, err := h.service.VoidInvoice(r.Context(), uid, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

// CreateRecurringInvoice сохраняет шаблон периодического счёта.
func (h *Handler) CreateRecurringInvoice(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req recurringRequest
	if !h.decode(w, r, &req) {
		return
	}

	starts, err := optionalDate(req.StartsAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, service.CodeValidation, "startsAt must be RFC 3339 or YYYY-MM-DD", nil)
		return
	}

	ri, err := h.service.CreateRecurringInvoice(r.Context(), uid, service.RecurringInput{
		CustomerID:   req.CustomerID,
		Currency:     req.Currency,
		ExchangeRate: req.ExchangeRate,
		Amount:       req.Amount,
		RRule:        req.RRule,
		StartsAt:     starts,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, recurringResponse{
		ID:         ri.ID,
		CustomerID: ri.CustomerID,
		Currency:   ri.Currency,
		Amount:     money.Float(ri.Amount),
		RRule:      ri.RRule,
		StartsAt:   ri.StartsAt.Format(time.RFC3339),
		NextRunAt:  ri.NextRunAt.Format(time.RFC3339),
		Active:     ri.Active,
	})
}

// DepartmentReport возвращает поступления по отделам за период [from, to).
// Если to задан датой без времени, день to включается в период.
func (h *Handler) DepartmentReport(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, _, err := parseDate(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, service.CodeValidation, "from must be RFC 3339 or YYYY-MM-DD", nil)
		return
	}
	to, dateOnly, err := parseDate(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, service.CodeValidation, "to must be RFC 3339 or YYYY-MM-DD", nil)
		return
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1)
	}

	rows, err := h.service.DepartmentReport(r.Context(), uid, from, to)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := make([]departmentResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, departmentResponse{DepartmentName: row.DepartmentName, Amount: money.Float(row.Amount)})
	}

	writeJSON(w, http.StatusOK, resp)
}
