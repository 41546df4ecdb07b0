package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"inkslot/internal/models"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/paymentintent"
	"github.com/stripe/stripe-go/v78/webhook"
)

// MetadataBookingID is the intent metadata key carrying the booking reference.
const MetadataBookingID = "booking_id"

const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnhandledEvent   = errors.New("unhandled gateway event")
	ErrMissingOrderID   = errors.New("gateway order id is required")
)

// intentAPI is the part of the Stripe PaymentIntents client the adapter uses.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type StripeGateway struct {
	intents       intentAPI
	webhookSecret string
	logger        *zerolog.Logger
}

func NewStripeGateway(secretKey, webhookSecret string, logger *zerolog.Logger) *StripeGateway {
	client := paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
	return newStripeGateway(client, webhookSecret, logger)
}

func newStripeGateway(intents intentAPI, webhookSecret string, logger *zerolog.Logger) *StripeGateway {
	l := logger.With().Str("component", "stripe").Logger()
	return &StripeGateway{intents: intents, webhookSecret: webhookSecret, logger: &l}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amount int64, currency, bookingRef string) (*models.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataBookingID, bookingRef)

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	g.logger.Info().Str("intent_id", pi.ID).Str("booking_ref", bookingRef).Int64("amount", amount).Msg("payment intent created")
	return &models.PaymentIntent{
		GatewayOrderID: pi.ID,
		Amount:         pi.Amount,
		Currency:       string(pi.Currency),
		ClientToken:    pi.ClientSecret,
		LastStatus:     models.IntentCreated,
	}, nil
}

// Verify asks Stripe for the intent instead of trusting what the client sent:
// it must have succeeded and carry the booking reference in its metadata.
func (g *StripeGateway) Verify(ctx context.Context, bookingRef string, payload models.SignaturePayload) (bool, error) {
	if payload.GatewayOrderID == "" {
		return false, ErrMissingOrderID
	}
	lookup, err := g.Lookup(ctx, payload.GatewayOrderID)
	if err != nil {
		return false, err
	}
	if lookup.BookingRef != bookingRef {
		g.logger.Warn().Str("intent_id", lookup.IntentID).Str("booking_ref", bookingRef).
			Str("intent_booking_ref", lookup.BookingRef).Msg("intent belongs to another booking")
		return false, nil
	}
	return lookup.Status == models.IntentSucceeded, nil
}

func (g *StripeGateway) Lookup(ctx context.Context, intentID string) (*models.IntentLookup, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(intentID, params)
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", intentID, err)
	}
	return lookupFromIntent(pi), nil
}

// ParseWebhook checks the Stripe-Signature header and decodes payment intent events.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (*models.GatewayEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventType := string(event.Type)
	if eventType != eventIntentSucceeded && eventType != eventIntentFailed {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, eventType)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}

	return &models.GatewayEvent{
		ID:         event.ID,
		Type:       eventType,
		IntentID:   pi.ID,
		BookingRef: pi.Metadata[MetadataBookingID],
		Succeeded:  eventType == eventIntentSucceeded,
	}, nil
}

func lookupFromIntent(pi *stripe.PaymentIntent) *models.IntentLookup {
	return &models.IntentLookup{
		IntentID:   pi.ID,
		Status:     intentStatus(pi.Status),
		Amount:     pi.Amount,
		Currency:   string(pi.Currency),
		BookingRef: pi.Metadata[MetadataBookingID],
	}
}

func intentStatus(s stripe.PaymentIntentStatus) models.IntentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return models.IntentSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return models.IntentProcessing
	case stripe.PaymentIntentStatusCanceled:
		return models.IntentCanceled
	default:
		return models.IntentCreated
	}
}
