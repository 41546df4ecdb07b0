package notify

import (
	"errors"
	"testing"

	"inkslot/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockTelegramSender struct {
	mock.Mock
}

func (m *mockTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func textIs(want string) interface{} {
	return mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == 100 && msg.Text == want
	})
}

func TestStaffNotifier(t *testing.T) {
	logger := zerolog.Nop()
	sender := new(mockTelegramSender)
	n := NewStaffNotifier(sender, 100, &logger)

	bus := events.NewEventBus()
	n.Subscribe(bus)

	t.Run("CounterBooking", func(t *testing.T) {
		sender.On("Send", textIs("Booking #5 awaits counter payment (slot 2, helix, 15.00 INR)")).
			Return(tgbotapi.Message{}, nil).Once()

		_ = bus.PublishJSON(events.EventBookingCreated, events.BookingEventPayload{
			BookingID: 5, SlotID: 2, ServiceItemID: "helix", Status: "pending_verification",
			FinalPrice: 1500, Currency: "inr",
		})
		sender.AssertExpectations(t)
	})

	t.Run("OnlineBookingIsQuiet", func(t *testing.T) {
		_ = bus.PublishJSON(events.EventBookingCreated, events.BookingEventPayload{
			BookingID: 6, Status: "payment_pending",
		})
		sender.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("OrphanedPayment", func(t *testing.T) {
		sender.On("Send", textIs("Payment pi_1 received for cancelled booking #7: refund 50.00 INR")).
			Return(tgbotapi.Message{}, nil).Once()

		_ = bus.PublishJSON(events.EventPaymentOrphaned, events.BookingEventPayload{
			BookingID: 7, OrderID: "pi_1", FinalPrice: 5000, Currency: "inr",
		})
		sender.AssertExpectations(t)
	})

	t.Run("SlotDeleted", func(t *testing.T) {
		sender.On("Send", textIs("slot.deleted: slot_id=3 cancelled=2")).
			Return(tgbotapi.Message{}, nil).Once()

		_ = bus.PublishJSON(events.EventSlotDeleted, map[string]int{"slot_id": 3, "cancelled": 2})
		sender.AssertExpectations(t)
	})
}

func TestStaffNotifier_SendError(t *testing.T) {
	logger := zerolog.Nop()
	sender := new(mockTelegramSender)
	n := NewStaffNotifier(sender, 100, &logger)

	sender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("blocked")).Once()

	event, err := events.NewJSONEvent(events.EventPaymentOrphaned, events.BookingEventPayload{BookingID: 1})
	assert.NoError(t, err)
	assert.Error(t, n.Handle(&event))
}
