package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/invoice-ledger/internal/middleware"
	"github.com/mmeshcher/invoice-ledger/internal/service"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса учёта счетов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/api/payments", func(r chi.Router) {
			r.Use(custommiddleware.RequireModule(service.ModulePayments))

			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
			r.Get("/invoice/{invoiceID}", h.ListInvoicePayments)
			r.Get("/invoice/{invoiceID}/pdf", h.PaymentHistoryPDF)
		})

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireModule(service.ModuleInvoices))

			r.Post("/api/customers", h.CreateCustomer)
			r.Post("/api/invoices", h.CreateInvoice)
			r.Get("/api/invoices/{id}", h.GetInvoice)
			r.Post("/api/invoices/{id}/void", h.VoidInvoice)
			r.Post("/api/recurring-invoices", h.CreateRecurringInvoice)
		})

		r.With(custommiddleware.RequireModule(service.ModuleReports)).
			Get("/api/reports/departments", h.DepartmentReport)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
