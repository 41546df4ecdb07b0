package models

const (
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04"
	DateTimeLayout = "2006-01-02 15:04:05"
)

const (
	// DefaultPaymentTTL время жизни брони в статусе payment_pending до автоматической отмены
	DefaultPaymentTTL = 30 * 60 // 30 минут в секундах

	// DefaultSweepBatch сколько просроченных броней обрабатывается за один проход
	DefaultSweepBatch = 100

	// DefaultCurrency валюта по умолчанию для каталога
	DefaultCurrency = "inr"

	// WorkerQueueSize размер очереди воркера
	WorkerQueueSize = 1000

	// DefaultListLimit ограничение выборки списков по умолчанию
	DefaultListLimit = 200

	// RateLimitBookings количество попыток брони в окне на пользователя
	RateLimitBookings = 10

	// RateLimitWindow окно ограничения частоты попыток брони
	RateLimitWindow = 60 // 1 минута в секундах

	// VerificationCacheTTL время хранения результата проверки платежа
	VerificationCacheTTL = 24 * 60 * 60 // 24 часа в секундах
)
