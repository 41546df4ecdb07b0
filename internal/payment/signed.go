package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"inkslot/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SignedGateway is an offline gateway for development and counter terminals.
// A payment is proven by hex(HMAC-SHA256(secret, orderID + "|" + bookingRef)).
type SignedGateway struct {
	secret []byte
	logger *zerolog.Logger

	mu      sync.Mutex
	intents map[string]*models.IntentLookup
}

func NewSignedGateway(secret string, logger *zerolog.Logger) *SignedGateway {
	l := logger.With().Str("component", "signed_gateway").Logger()
	return &SignedGateway{
		secret:  []byte(secret),
		logger:  &l,
		intents: make(map[string]*models.IntentLookup),
	}
}

// Sign returns the signature a payer presents for orderID and bookingRef.
func (g *SignedGateway) Sign(orderID, bookingRef string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(orderID + "|" + bookingRef))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *SignedGateway) CreateIntent(ctx context.Context, amount int64, currency, bookingRef string) (*models.PaymentIntent, error) {
	id := "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	g.mu.Lock()
	g.intents[id] = &models.IntentLookup{
		IntentID:   id,
		Status:     models.IntentCreated,
		Amount:     amount,
		Currency:   strings.ToLower(currency),
		BookingRef: bookingRef,
	}
	g.mu.Unlock()

	return &models.PaymentIntent{
		GatewayOrderID: id,
		Amount:         amount,
		Currency:       strings.ToLower(currency),
		ClientToken:    id,
		LastStatus:     models.IntentCreated,
	}, nil
}

func (g *SignedGateway) Verify(ctx context.Context, bookingRef string, payload models.SignaturePayload) (bool, error) {
	if payload.GatewayOrderID == "" {
		return false, ErrMissingOrderID
	}
	expected := g.Sign(payload.GatewayOrderID, bookingRef)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(payload.Signature))) {
		return false, nil
	}

	g.mu.Lock()
	if in, ok := g.intents[payload.GatewayOrderID]; ok {
		in.Status = models.IntentSucceeded
	}
	g.mu.Unlock()
	return true, nil
}

// Lookup reports only intents created by this process; unknown ids read as unverified.
func (g *SignedGateway) Lookup(ctx context.Context, intentID string) (*models.IntentLookup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[intentID]; ok {
		cp := *in
		return &cp, nil
	}
	return &models.IntentLookup{IntentID: intentID, Status: models.IntentUnverified}, nil
}

type signedWebhook struct {
	ID         string `json:"id"`
	OrderID    string `json:"gateway_order_id"`
	BookingRef string `json:"booking_ref"`
	Succeeded  bool   `json:"succeeded"`
}

// ParseWebhook accepts {"id","gateway_order_id","booking_ref","succeeded"} bodies
// whose header is the hex HMAC of the raw body.
func (g *SignedGateway) ParseWebhook(payload []byte, signatureHeader string) (*models.GatewayEvent, error) {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	if !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(strings.ToLower(signatureHeader))) {
		return nil, ErrInvalidSignature
	}

	var body signedWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	eventType := eventIntentFailed
	if body.Succeeded {
		eventType = eventIntentSucceeded
	}
	return &models.GatewayEvent{
		ID:         body.ID,
		Type:       eventType,
		IntentID:   body.OrderID,
		BookingRef: body.BookingRef,
		Succeeded:  body.Succeeded,
	}, nil
}
