package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pixshift/internal/apperr"
	"pixshift/internal/model"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const ProviderStripe = "stripe"

// IntentParams describes a charge to create at the gateway.
type IntentParams struct {
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type Intent struct {
	TransactionID string
	ClientSecret  string
}

// GatewayEvent is a verified gateway notification. Outcome is empty for events that carry no payment result.
type GatewayEvent struct {
	ID            string
	Type          string
	TransactionID string
	Metadata      map[string]string
	Outcome       model.BillingStatus
}

// PaymentGateway is the external payment provider.
type PaymentGateway interface {
	Provider() string
	CreateIntent(ctx context.Context, p IntentParams) (*Intent, error)
	GetIntent(ctx context.Context, transactionID string) (*Intent, error)
	// ParseEvent verifies signature over payload and decodes the event. Unverifiable payloads yield ErrInvalidSignature.
	ParseEvent(payload []byte, signature string) (*GatewayEvent, error)
}

type StripeGateway struct {
	client        *stripe.Client
	webhookSecret string
}

// NewStripeGateway builds a gateway with its own Stripe client. Options such as stripe.WithBackends
// are passed through.
func NewStripeGateway(secretKey, webhookSecret string, opts ...stripe.ClientOption) *StripeGateway {
	return &StripeGateway{client: stripe.NewClient(secretKey, opts...), webhookSecret: webhookSecret}
}

func (g *StripeGateway) Provider() string { return ProviderStripe }

func (g *StripeGateway) CreateIntent(ctx context.Context, p IntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(p.AmountMinor),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	pi, err := g.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, classifyStripeError(fmt.Errorf("create stripe payment intent: %w", err))
	}
	return &Intent{TransactionID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, transactionID string) (*Intent, error) {
	pi, err := g.client.V1PaymentIntents.Retrieve(ctx, transactionID, &stripe.PaymentIntentRetrieveParams{})
	if err != nil {
		return nil, classifyStripeError(fmt.Errorf("get stripe payment intent %s: %w", transactionID, err))
	}
	return &Intent{TransactionID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*GatewayEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ev := &GatewayEvent{ID: event.ID, Type: string(event.Type)}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		ev.Outcome = model.BillingCompleted
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		ev.Outcome = model.BillingFailed
	default:
		return ev, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_event_payload", fmt.Errorf("decode payment intent of %s: %w", event.ID, err))
	}
	ev.TransactionID = pi.ID
	ev.Metadata = pi.Metadata
	return ev, nil
}

// classifyStripeError marks rate limits and API outages transient.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI {
			return apperr.Transient("payment_gateway_unavailable", err)
		}
		return apperr.Terminal("payment_gateway_rejected", err)
	}
	return apperr.Transient("payment_gateway_unavailable", err)
}
