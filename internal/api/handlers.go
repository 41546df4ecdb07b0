package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"inkslot/internal/models"
	"inkslot/internal/service"

	"github.com/gorilla/mux"
)

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return "", false
	}
	return user, true
}

func (s *HTTPServer) handleListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.SlotFilter{
		Date:        strings.TrimSpace(q.Get("date")),
		ServiceType: models.ServiceType(strings.TrimSpace(q.Get("service_type"))),
	}
	if raw := q.Get("available"); raw != "" {
		available, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "available must be true or false")
			return
		}
		filter.OnlyAvailable = available
	}

	slots, err := s.svc.Slots.ListSlots(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slots)
}

func (s *HTTPServer) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	slot, err := s.svc.Slots.GetSlot(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

type createBookingRequest struct {
	SlotID        int64  `json:"slot_id"`
	ServiceItemID string `json:"service_item_id"`
	PaymentMethod string `json:"payment_method"`
}

type bookingResponse struct {
	BookingID     int64                 `json:"booking_id"`
	Status        models.BookingStatus  `json:"status"`
	Booking       *models.Booking       `json:"booking"`
	PaymentIntent *models.PaymentIntent `json:"payment_intent,omitempty"`
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body createBookingRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := s.svc.Bookings.CreateBooking(r.Context(), models.CreateBookingRequest{
		SlotID:        body.SlotID,
		UserID:        user,
		ServiceItemID: body.ServiceItemID,
		PaymentMethod: models.PaymentMethod(body.PaymentMethod),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bookingResponse{
		BookingID:     result.Booking.ID,
		Status:        result.Booking.Status,
		Booking:       result.Booking,
		PaymentIntent: result.PaymentIntent,
	})
}

func (s *HTTPServer) handleListMyBookings(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	bookings, err := s.svc.Bookings.ListUserBookings(r.Context(), user)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	booking, err := s.svc.Bookings.GetBooking(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if booking.UserID != user && !permitted(clientFromContext(r.Context()), PermissionAdmin) {
		s.writeServiceError(w, r, service.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	booking, err := s.svc.Bookings.UserCancel(r.Context(), id, user)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	intent, err := s.svc.Bookings.CreatePaymentIntent(r.Context(), id, user)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

type verifyPaymentRequest struct {
	BookingID      int64  `json:"booking_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	Signature      string `json:"gateway_signature"`
}

func (s *HTTPServer) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var body verifyPaymentRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	verified, err := s.svc.Bookings.VerifyPayment(r.Context(), models.VerifyPaymentRequest{
		BookingID:      body.BookingID,
		GatewayOrderID: body.GatewayOrderID,
		Signature:      body.Signature,
	})
	if errors.Is(err, service.ErrPaymentVerificationFailed) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"verified": false, "error": err.Error()})
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": verified})
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}
	if signature == "" {
		writeError(w, http.StatusBadRequest, "missing signature header")
		return
	}

	if err := s.svc.Bookings.HandleWebhook(r.Context(), payload, signature); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
