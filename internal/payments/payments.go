// Package payments integrates the external payment provider for wallet
// top-ups. The provider is the source of truth for payment state; webhooks
// only tell us when to re-fetch and settle.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"streamgate/internal/stats"
	"streamgate/internal/wallet"
)

// TokensPerEuro is the fixed top-up exchange rate.
const TokensPerEuro = 10

const (
	StatusPaid = "paid"

	accountMetadataKey = "account_id"
)

var (
	ErrInvalidAmount = errors.New("top-up amount must be a positive whole number of euros")
	ErrProvider      = errors.New("payment provider error")
)

// Payment is the provider-side payment record, reduced to the fields the
// settlement path needs.
type Payment struct {
	Id          string
	Status      string
	CheckoutURL string
	AmountEUR   int
	Metadata    map[string]string
}

// Provider abstracts the external payment API.
type Provider interface {
	CreatePayment(ctx context.Context, amountEUR int, description string, metadata map[string]string) (Payment, error)
	GetPayment(ctx context.Context, paymentId string) (Payment, error)
}

// Service creates checkout sessions and settles webhook notifications into
// wallet credits.
type Service struct {
	provider Provider
	ledger   *wallet.Ledger
	log      *zap.SugaredLogger
	metrics  *stats.Metrics
}

func NewService(provider Provider, ledger *wallet.Ledger, logger *zap.SugaredLogger, metrics *stats.Metrics) *Service {
	return &Service{
		provider: provider,
		ledger:   ledger,
		log:      logger,
		metrics:  metrics,
	}
}

// CreateTopUp starts a checkout session for amountEUR euros on behalf of
// the account. The account id travels in the payment metadata and comes
// back on the webhook.
func (s *Service) CreateTopUp(ctx context.Context, accountId, amountEUR int) (Payment, error) {
	if amountEUR <= 0 {
		return Payment{}, ErrInvalidAmount
	}

	payment, err := s.provider.CreatePayment(ctx,
		amountEUR,
		fmt.Sprintf("%d tokens", amountEUR*TokensPerEuro),
		map[string]string{accountMetadataKey: strconv.Itoa(accountId)},
	)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues("payments").Inc()
		return Payment{}, fmt.Errorf("create payment: %w", err)
	}

	s.log.Infow("payment created",
		"payment_id", payment.Id,
		"account_id", accountId,
		"amount_eur", amountEUR,
	)

	return payment, nil
}

// HandleWebhook settles a provider notification. The payment is re-fetched
// by id rather than trusted from the request body; anything that is not a
// paid payment carrying an account id is acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, paymentId string) error {
	if paymentId == "" {
		return nil
	}

	payment, err := s.provider.GetPayment(ctx, paymentId)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues("payments").Inc()
		return fmt.Errorf("fetch payment %s: %w", paymentId, err)
	}

	if payment.Status != StatusPaid {
		s.log.Infow("webhook ignored",
			"payment_id", payment.Id,
			"status", payment.Status,
		)
		return nil
	}

	accountId, err := strconv.Atoi(payment.Metadata[accountMetadataKey])
	if err != nil {
		s.log.Warnw("paid payment without account metadata",
			"payment_id", payment.Id,
		)
		return nil
	}

	tokens := payment.AmountEUR * TokensPerEuro
	if tokens <= 0 {
		s.log.Warnw("paid payment with non-positive amount",
			"payment_id", payment.Id,
			"amount_eur", payment.AmountEUR,
		)
		return nil
	}

	balance, err := s.ledger.Credit(accountId, tokens, wallet.TopUpReason)
	if err != nil {
		return fmt.Errorf("credit account %d for payment %s: %w", accountId, payment.Id, err)
	}

	s.log.Infow("top-up settled",
		"payment_id", payment.Id,
		"account_id", accountId,
		"tokens", tokens,
		"balance", balance,
	)

	return nil
}
