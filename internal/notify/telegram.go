package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"inkslot/internal/domain"
	"inkslot/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// StaffNotifier posts booking lifecycle events that need a human to a staff chat.
type StaffNotifier struct {
	bot    domain.TelegramSender
	chatID int64
	logger *zerolog.Logger
}

func NewStaffNotifier(bot domain.TelegramSender, chatID int64, logger *zerolog.Logger) *StaffNotifier {
	l := logger.With().Str("component", "telegram_notifier").Logger()
	return &StaffNotifier{bot: bot, chatID: chatID, logger: &l}
}

// NewBotAPI creates the Telegram client for the notifier.
func NewBotAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

// Subscribe hooks the notifier to the event types staff care about.
func (n *StaffNotifier) Subscribe(bus *events.EventBus) {
	for _, t := range []string{
		events.EventBookingCreated,
		events.EventBookingCancelled,
		events.EventPaymentOrphaned,
		events.EventSlotDeleted,
		events.EventCapacityDrift,
	} {
		bus.Subscribe(t, n.Handle)
	}
}

func (n *StaffNotifier) Handle(event *events.Event) error {
	text, ok := n.render(event)
	if !ok {
		return nil
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		n.logger.Error().Err(err).Str("event_type", event.Type).Msg("telegram send failed")
		return err
	}
	return nil
}

// render returns false for events that need no staff attention.
func (n *StaffNotifier) render(event *events.Event) (string, bool) {
	switch event.Type {
	case events.EventSlotDeleted, events.EventCapacityDrift:
		var body map[string]any
		if err := json.Unmarshal(event.Payload, &body); err != nil {
			n.logger.Warn().Err(err).Str("event_type", event.Type).Msg("bad event payload")
			return "", false
		}
		return fmt.Sprintf("%s: %s", event.Type, formatFields(body)), true
	}

	var p events.BookingEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		n.logger.Warn().Err(err).Str("event_type", event.Type).Msg("bad event payload")
		return "", false
	}

	switch event.Type {
	case events.EventBookingCreated:
		if p.Status != "pending_verification" {
			return "", false
		}
		return fmt.Sprintf("Booking #%d awaits counter payment (slot %d, %s, %s)",
			p.BookingID, p.SlotID, p.ServiceItemID, formatAmount(p.FinalPrice, p.Currency)), true
	case events.EventBookingCancelled:
		if p.ChangedBy != "user" {
			return "", false
		}
		return fmt.Sprintf("Booking #%d cancelled by customer (slot %d)", p.BookingID, p.SlotID), true
	case events.EventPaymentOrphaned:
		return fmt.Sprintf("Payment %s received for cancelled booking #%d: refund %s",
			p.OrderID, p.BookingID, formatAmount(p.FinalPrice, p.Currency)), true
	}
	return "", false
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}

func formatFields(body map[string]any) string {
	keys := []string{"slot_id", "cancelled", "current_bookings", "active_bookings"}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := body[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}
