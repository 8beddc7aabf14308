// Package notify отправляет уведомления о платежах через внешний почтовый сервис.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// PaymentSlip содержит данные письма с квитанцией о платеже.
type PaymentSlip struct {
	To             string
	CustomerName   string
	InvoiceNumber  string
	PaymentNumber  string
	Amount         string
	Currency       string
	PaymentDate    time.Time
	Attachment     []byte
	AttachmentName string
}

// SendResult описывает итог отправки письма.
type SendResult struct {
	Success   bool
	MessageID string
	Error     string
}

type attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type sendRequest struct {
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Mailer инкапсулирует HTTP-взаимодействие с почтовым сервисом.
type Mailer struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

// NewMailer создаёт клиент почтового сервиса. При пустом baseURL письма не отправляются.
func NewMailer(baseURL, apiKey, from string, logger *zap.Logger) *Mailer {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.HTTPClient.Timeout = 10 * time.Second
	httpClient.Logger = nil

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Mailer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		from:       from,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SendPaymentSlipEmail отправляет квитанцию о платеже. Метод не возвращает ошибок:
// результат всегда описывается SendResult.
func (m *Mailer) SendPaymentSlipEmail(ctx context.Context, slip PaymentSlip) SendResult {
	if m == nil || m.baseURL == "" {
		return SendResult{Error: "mailer not configured"}
	}
	if slip.To == "" {
		return SendResult{Error: "recipient address is empty"}
	}

	id, err := m.send(ctx, buildRequest(m.from, slip))
	if err != nil {
		m.logger.Warn("payment slip email failed",
			zap.String("payment", slip.PaymentNumber),
			zap.Error(err),
		)
		return SendResult{Error: err.Error()}
	}

	return SendResult{Success: true, MessageID: id}
}

func buildRequest(from string, slip PaymentSlip) sendRequest {
	req := sendRequest{
		From:    from,
		To:      []string{slip.To},
		Subject: fmt.Sprintf("Payment %s received for invoice %s", slip.PaymentNumber, slip.InvoiceNumber),
		Text: fmt.Sprintf("Dear %s,\n\nWe have received your payment %s of %s %s on %s against invoice %s.\n",
			slip.CustomerName, slip.PaymentNumber, slip.Amount, slip.Currency,
			slip.PaymentDate.Format("2006-01-02"), slip.InvoiceNumber),
	}

	if len(slip.Attachment) > 0 {
		name := slip.AttachmentName
		if name == "" {
			name = slip.PaymentNumber + ".pdf"
		}
		req.Attachments = []attachment{{
			Filename:    name,
			ContentType: "application/pdf",
			Content:     base64.StdEncoding.EncodeToString(slip.Attachment),
		}}
	}

	return req
}

func (m *Mailer) send(ctx context.Context, body sendRequest) (string, error) {
	base := m.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// один ключ на все повторы, чтобы сервис не отправил письмо дважды
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return result.ID, nil
}
