package gateway

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway moves money through Stripe: payouts to connected supplier
// accounts and refunds against the buyer's original charge.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(apiKey string) *StripeGateway {
	return &StripeGateway{api: client.New(apiKey, nil)}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	// Payout runs on the supplier's connected account balance.
	params.SetStripeAccount(req.Destination)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	po, err := g.api.Payouts.New(params)
	if err != nil {
		return nil, classifyStripeErr("create payout", err)
	}
	return &PayoutResult{
		ExternalID:    po.ID,
		Status:        payoutStatus(po.Status),
		FailureReason: po.FailureMessage,
	}, nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*PayoutResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.DepositRef),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripeErr("create refund", err)
	}
	return &PayoutResult{
		ExternalID:    r.ID,
		Status:        refundStatus(r.Status),
		FailureReason: string(r.FailureReason),
	}, nil
}

func (g *StripeGateway) GetPayout(ctx context.Context, externalID string) (*PayoutResult, error) {
	params := &stripe.PayoutParams{}
	params.Context = ctx

	po, err := g.api.Payouts.Get(externalID, params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.HTTPStatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, classifyStripeErr("get payout", err)
	}
	return &PayoutResult{
		ExternalID:    po.ID,
		Status:        payoutStatus(po.Status),
		FailureReason: po.FailureMessage,
	}, nil
}

func payoutStatus(s stripe.PayoutStatus) PayoutStatus {
	switch s {
	case stripe.PayoutStatusPaid:
		return PayoutSucceeded
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		return PayoutFailed
	default: // pending, in_transit
		return PayoutPending
	}
}

func refundStatus(s stripe.RefundStatus) PayoutStatus {
	switch s {
	case stripe.RefundStatusSucceeded:
		return PayoutSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return PayoutFailed
	default:
		return PayoutPending
	}
}

// classifyStripeErr maps Stripe errors onto the transient/terminal taxonomy.
// Rate limits and server-side faults are retryable; declines and bad
// requests are not.
func classifyStripeErr(op string, err error) error {
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		// Network-level failure before a response arrived.
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	if stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500 {
		return fmt.Errorf("%w: %s: %s", ErrTransient, op, stripeErr.Msg)
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s: %s", ErrTransient, op, stripeErr.Msg)
	default: // card_error, invalid_request_error, idempotency_error, authentication
		return fmt.Errorf("%w: %s: %s", ErrTerminal, op, stripeErr.Msg)
	}
}

// Compile-time assertion that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
