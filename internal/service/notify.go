package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/notify"
	"github.com/mmeshcher/invoice-ledger/internal/slip"
)

// dispatchPaymentSlip отправляет квитанцию в фоне, не привязываясь к контексту запроса.
func (s *Service) dispatchPaymentSlip(p model.Payment, inv model.Invoice, c model.Customer) {
	if s.mailer == nil || c.Email == "" {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		s.sendPaymentSlip(ctx, p, inv, c)
	}()
}

func (s *Service) sendPaymentSlip(ctx context.Context, p model.Payment, inv model.Invoice, c model.Customer) notify.SendResult {
	msg := notify.PaymentSlip{
		To:             c.Email,
		CustomerName:   c.Name,
		InvoiceNumber:  inv.Number,
		PaymentNumber:  p.Number,
		Amount:         p.AmountReceived.StringFixed(2),
		Currency:       s.normalizer.Base,
		PaymentDate:    p.PaymentDate,
		AttachmentName: inv.Number + "-payments.pdf",
	}

	if s.renderer != nil {
		payments, err := s.repo.ListPaymentsByInvoice(ctx, inv.ID)
		if err != nil {
			s.logger.Warn("payment slip email aborted", zap.Int64("paymentID", p.ID), zap.Error(err))
			return notify.SendResult{Error: err.Error()}
		}

		pdf, err := s.renderer.PaymentHistory(ctx, slip.History{
			Invoice:      inv,
			Customer:     c,
			Payments:     payments,
			BaseCurrency: s.normalizer.Base,
		})
		if err != nil {
			s.logger.Warn("payment slip email aborted", zap.Int64("paymentID", p.ID), zap.Error(err))
			return notify.SendResult{Error: err.Error()}
		}
		msg.Attachment = pdf
	}

	res := s.mailer.SendPaymentSlipEmail(ctx, msg)
	if res.Success {
		s.logger.Info("payment slip email sent",
			zap.Int64("paymentID", p.ID), zap.String("messageID", res.MessageID))
	} else {
		s.logger.Warn("payment slip email not sent",
			zap.Int64("paymentID", p.ID), zap.String("error", res.Error))
	}
	return res
}
