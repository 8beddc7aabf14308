// Package handler содержит HTTP-обработчики API сервиса учёта счетов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/middleware"
	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (*model.User, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)

	CreatePayment(ctx context.Context, userID int64, in service.PaymentInput) (*service.PaymentResult, error)
	UpdatePayment(ctx context.Context, userID, paymentID int64, in service.PaymentInput) (*service.PaymentResult, error)
	DeletePayment(ctx context.Context, userID, paymentID int64) (*service.PaymentResult, error)
	GetPayment(ctx context.Context, userID, paymentID int64) (*model.Payment, error)
	ListPaymentsByInvoice(ctx context.Context, userID, invoiceID int64) ([]model.Payment, error)
	PaymentHistoryPDF(ctx context.Context, userID, invoiceID int64) ([]byte, error)

	CreateCustomer(ctx context.Context, userID int64, name, email string) (*model.Customer, error)
	CreateInvoice(ctx context.Context, userID int64, in service.InvoiceInput) (*model.Invoice, error)
	GetInvoice(ctx context.Context, userID, invoiceID int64) (*model.Invoice, error)
	VoidInvoice(ctx context.Context, userID, invoiceID int64) (*model.Invoice, error)
	CreateRecurringInvoice(ctx context.Context, userID int64, in service.RecurringInput) (*model.RecurringInvoice, error)
	DepartmentReport(ctx context.Context, userID int64, from, to time.Time) ([]model.DepartmentRevenue, error)
}

// Handler реализует HTTP-обработчики API сервиса учёта счетов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
	production     bool
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// В окружении production ответы 5xx не содержат текста внутренней ошибки.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, environment string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		production:     strings.EqualFold(environment, "production"),
	}
}

type credentialsRequest struct {
	Login    string `json:"login" validate:"required,max=100"`
	Password string `json:"password" validate:"required,max=200"`
}

type tokenResponse struct {
	Token     string   `json:"token"`
	ExpiresAt string   `json:"expiresAt"`
	Modules   []string `json:"modules"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.issueToken(w, r, u)
}

// Login выполняет аутентификацию пользователя и выдаёт токен доступа.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.issueToken(w, r, u)
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request, u *model.User) {
	token, expires, err := h.authMiddleware.IssueToken(u.ID, u.Modules)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token, expires)
	w.Header().Set("Authorization", "Bearer "+token)
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
		Modules:   u.Modules,
	})
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message, Details: details}})
}

func statusForKind(k service.Kind) int {
	switch k {
	case service.KindValidation:
		return http.StatusUnprocessableEntity
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	case service.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError переводит ошибку сервиса в JSON-ответ.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := service.AsError(err)
	if !ok {
		e = &service.Error{Kind: service.KindInternal, Code: service.CodeInternal, Message: "internal error", Err: err}
	}

	status := statusForKind(e.Kind)
	if status < http.StatusInternalServerError {
		writeError(w, status, e.Code, e.Message, e.Details)
		return
	}

	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("uri", r.RequestURI),
		zap.String("code", e.Code),
		zap.Error(err),
	)

	details := e.Details
	if !h.production {
		details = make(map[string]any, len(e.Details)+1)
		for k, v := range e.Details {
			details[k] = v
		}
		details["error"] = err.Error()
	}
	writeError(w, status, e.Code, e.Message, details)
}

// decode читает JSON-тело запроса и проверяет его теги validate.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON", nil)
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeError(w, http.StatusBadRequest, service.CodeValidation, "request validation failed", map[string]any{"fields": fields})
			return false
		}
		writeError(w, http.StatusBadRequest, service.CodeValidation, err.Error(), nil)
		return false
	}

	return true
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", name+" must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

// parseDate принимает дату в формате RFC 3339 или YYYY-MM-DD.
func parseDate(s string) (t time.Time, dateOnly bool, err error) {
	if t, err = time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err = time.Parse(time.DateOnly, s)
	return t, true, err
}

func optionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, _, err := parseDate(s)
	return t, err
}
