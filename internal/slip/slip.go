// Package slip формирует PDF-выписку истории платежей по счёту.
package slip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

const defaultTimeout = 30 * time.Second

// ErrEmptyHistory возвращается при попытке сформировать выписку без платежей.
var ErrEmptyHistory = errors.New("invoice has no payments")

// History содержит данные для выписки.
type History struct {
	Invoice      model.Invoice
	Customer     model.Customer
	Payments     []model.Payment
	BaseCurrency string
}

// Renderer печатает HTML-выписку в PDF через Chrome DevTools Protocol.
type Renderer struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	timeout     time.Duration
	logger      *zap.Logger
}

// NewRenderer создаёт рендерер. Если remoteURL пуст, запускается локальный headless Chrome.
func NewRenderer(remoteURL string, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Renderer{timeout: defaultTimeout, logger: logger}

	if remoteURL != "" {
		r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), remoteURL)
		return r
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
	)
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)

	return r
}

// Close останавливает браузер.
func (r *Renderer) Close() {
	if r.allocCancel != nil {
		r.allocCancel()
	}
}

// PaymentHistory формирует PDF с историей платежей счёта.
func (r *Renderer) PaymentHistory(ctx context.Context, h History) ([]byte, error) {
	html, err := BuildHTML(h)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	browserCtx, browserCancel := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			r.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()

	// отмена запроса должна останавливать и вкладку браузера
	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()

	var pdf []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = data
			return nil
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render payment history: %w", ctx.Err())
		}
		return nil, fmt.Errorf("render payment history: %w", err)
	}

	return pdf, nil
}

type row struct {
	Number      string
	Date        string
	Mode        string
	Reference   string
	Amount      string
	BankCharges string
	Withheld    string
	Departments string
}

type view struct {
	InvoiceNumber string
	CustomerName  string
	Currency      string
	Base          string
	Total         string
	Received      string
	Due           string
	Status        string
	Rows          []row
}

var historyTemplate = template.Must(template.New("history").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Payment history {{.InvoiceNumber}}</title>
<style>
body { font-family: sans-serif; font-size: 12px; }
table { width: 100%; border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 4px 6px; text-align: left; }
td.num { text-align: right; }
</style></head>
<body>
<h1>Payment history</h1>
<p>Invoice <strong>{{.InvoiceNumber}}</strong> ({{.Currency}}) for {{.CustomerName}}</p>
<p>Total: {{.Total}} {{.Base}} &middot; Received: {{.Received}} {{.Base}} &middot; Due: {{.Due}} {{.Base}} &middot; Status: {{.Status}}</p>
<table>
<thead><tr><th>Payment</th><th>Date</th><th>Mode</th><th>Reference</th><th>Amount</th><th>Bank charges</th><th>Withheld</th><th>Departments</th></tr></thead>
<tbody>
{{range .Rows}}<tr><td>{{.Number}}</td><td>{{.Date}}</td><td>{{.Mode}}</td><td>{{.Reference}}</td><td class="num">{{.Amount}}</td><td class="num">{{.BankCharges}}</td><td class="num">{{.Withheld}}</td><td>{{.Departments}}</td></tr>
{{end}}</tbody>
</table>
</body></html>`))

// BuildHTML формирует HTML выписки. Платежи выводятся в переданном порядке.
func BuildHTML(h History) (string, error) {
	if len(h.Payments) == 0 {
		return "", ErrEmptyHistory
	}

	base := h.BaseCurrency
	if base == "" {
		base = "INR"
	}

	total := h.Invoice.ReceivedAmount.Add(h.Invoice.DueAmount)
	v := view{
		InvoiceNumber: h.Invoice.Number,
		CustomerName:  h.Customer.Name,
		Currency:      h.Invoice.Currency,
		Base:          base,
		Total:         fixed(total),
		Received:      fixed(h.Invoice.ReceivedAmount),
		Due:           fixed(h.Invoice.DueAmount),
		Status:        string(h.Invoice.Status),
	}

	for _, p := range h.Payments {
		var depts bytes.Buffer
		for i, s := range p.DepartmentSplits {
			if i > 0 {
				depts.WriteString(", ")
			}
			fmt.Fprintf(&depts, "%s: %s", s.DepartmentName, fixed(s.Amount))
		}

		v.Rows = append(v.Rows, row{
			Number:      p.Number,
			Date:        p.PaymentDate.Format("2006-01-02"),
			Mode:        p.Mode,
			Reference:   p.Reference,
			Amount:      fixed(p.AmountReceived),
			BankCharges: fixed(p.BankCharges),
			Withheld:    fixed(p.AmountWithheld),
			Departments: depts.String(),
		})
	}

	var buf bytes.Buffer
	if err := historyTemplate.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

func fixed(d decimal.Decimal) string {
	return money.Round2(d).StringFixed(2)
}
