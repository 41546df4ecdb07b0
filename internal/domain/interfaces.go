package domain

import (
	"context"
	"time"

	"inkslot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type SlotRepository interface {
	CreateSlot(ctx context.Context, w models.SlotWindow, maxBookings int) (*models.Slot, error)
	CreateSlots(ctx context.Context, windows []models.SlotWindow, maxBookings int) ([]*models.Slot, int, error)
	GetSlot(ctx context.Context, id int64) (*models.Slot, error)
	ListSlots(ctx context.Context, filter models.SlotFilter) ([]*models.Slot, error)
	UpdateSlotCapacity(ctx context.Context, id int64, maxBookings int) (*models.Slot, error)
	DeleteSlot(ctx context.Context, id int64) error
	DeleteSlotCascade(ctx context.Context, id int64) ([]*models.Booking, error)
}

type BookingRepository interface {
	ReserveAndCreateBooking(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, error)
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error)
	TransitionBooking(ctx context.Context, id int64, tr models.Transition) (*models.Booking, bool, error)
	AttachPaymentIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, gatewayOrderID string) (*models.PaymentIntent, error)
	ListPaymentIntents(ctx context.Context, bookingID int64) ([]*models.PaymentIntent, error)
	UpdatePaymentIntentStatus(ctx context.Context, gatewayOrderID string, status models.IntentStatus) error
	CapacityDrifts(ctx context.Context) ([]models.CapacityDrift, int, error)
	RepairSlotCounter(ctx context.Context, slotID int64) error
}

type TaskRepository interface {
	CreateTask(ctx context.Context, title string) (*models.StaffTask, error)
	ListTasks(ctx context.Context, onlyOpen bool) ([]*models.StaffTask, error)
	ClaimTask(ctx context.Context, id int64, userID string) (*models.StaffTask, error)
	UnclaimTask(ctx context.Context, id int64, userID string) (*models.StaffTask, error)
}

type SyncQueueRepository interface {
	CreateSyncTask(ctx context.Context, task *models.SyncTask) error
	GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncTask, error)
	UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
}

// Repository is the full persistence surface; both the SQLite and Postgres stores satisfy it.
type Repository interface {
	SlotRepository
	BookingRepository
	TaskRepository
	SyncQueueRepository
	PingContext(ctx context.Context) error
}

// GuardRepository is the coordination store shared by all instances.
type GuardRepository interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, name, token string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	GetVerification(ctx context.Context, key string) (*models.VerificationRecord, error)
	SetVerification(ctx context.Context, key string, rec *models.VerificationRecord, ttl time.Duration) error
}

type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount int64, currency, bookingRef string) (*models.PaymentIntent, error)
	Verify(ctx context.Context, bookingRef string, payload models.SignaturePayload) (bool, error)
	Lookup(ctx context.Context, intentID string) (*models.IntentLookup, error)
	ParseWebhook(payload []byte, signatureHeader string) (*models.GatewayEvent, error)
}

type Catalog interface {
	Item(ctx context.Context, id string) (*models.ServiceItem, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type SyncWorker interface {
	EnqueueTask(ctx context.Context, taskType string, bookingID int64, booking *models.Booking, status string) error
}

type BookingService interface {
	CreateBooking(ctx context.Context, req models.CreateBookingRequest) (*models.BookingResult, error)
	CreatePaymentIntent(ctx context.Context, bookingID int64, userID string) (*models.PaymentIntent, error)
	VerifyPayment(ctx context.Context, req models.VerifyPaymentRequest) (bool, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error
	UserCancel(ctx context.Context, bookingID int64, userID string) (*models.Booking, error)
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	ListUserBookings(ctx context.Context, userID string) ([]*models.Booking, error)
}

type ModerationService interface {
	ListBookings(ctx context.Context, status models.BookingStatus) ([]*models.Booking, error)
	AdminDecision(ctx context.Context, bookingID int64, decision models.Decision) (*models.Booking, error)
	CheckConsistency(ctx context.Context, repair bool) (*models.ConsistencyReport, error)
}

type SlotService interface {
	CreateSlot(ctx context.Context, w models.SlotWindow, maxBookings int) (*models.Slot, error)
	GenerateSlots(ctx context.Context, req models.GenerateSlotsRequest) (*models.GenerateSlotsResult, error)
	GetSlot(ctx context.Context, id int64) (*models.Slot, error)
	ListSlots(ctx context.Context, filter models.SlotFilter) ([]*models.Slot, error)
	UpdateCapacity(ctx context.Context, id int64, maxBookings int) (*models.Slot, error)
	DeleteSlot(ctx context.Context, id int64, cascade bool) ([]*models.Booking, error)
}

type TaskService interface {
	CreateTask(ctx context.Context, title string) (*models.StaffTask, error)
	ListTasks(ctx context.Context, onlyOpen bool) ([]*models.StaffTask, error)
	Claim(ctx context.Context, id int64, userID string) (*models.StaffTask, error)
	Unclaim(ctx context.Context, id int64, userID string) (*models.StaffTask, error)
}
