package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"inkslot/internal/models"
)

type createSlotRequest struct {
	ServiceType string    `json:"service_type"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	MaxBookings int       `json:"max_bookings"`
}

func (s *HTTPServer) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	var body createSlotRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	slot, err := s.svc.Slots.CreateSlot(r.Context(), models.SlotWindow{
		ServiceType: models.ServiceType(body.ServiceType),
		StartsAt:    body.StartsAt,
		EndsAt:      body.EndsAt,
	}, body.MaxBookings)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

type generateSlotsRequest struct {
	ServiceType     string `json:"service_type"`
	Date            string `json:"date"`
	DayStart        string `json:"day_start"`
	DayEnd          string `json:"day_end"`
	DurationMinutes int    `json:"duration_minutes"`
	MaxBookings     int    `json:"max_bookings"`
}

func (s *HTTPServer) handleGenerateSlots(w http.ResponseWriter, r *http.Request) {
	var body generateSlotsRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	date, err := time.Parse(models.DateLayout, strings.TrimSpace(body.Date))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format; expected YYYY-MM-DD")
		return
	}

	result, err := s.svc.Slots.GenerateSlots(r.Context(), models.GenerateSlotsRequest{
		ServiceType: models.ServiceType(body.ServiceType),
		Date:        date,
		DayStart:    body.DayStart,
		DayEnd:      body.DayEnd,
		Duration:    time.Duration(body.DurationMinutes) * time.Minute,
		MaxBookings: body.MaxBookings,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleUpdateCapacity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		MaxBookings int `json:"max_bookings"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	slot, err := s.svc.Slots.UpdateCapacity(r.Context(), id, body.MaxBookings)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *HTTPServer) handleDeleteSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cascade := false
	if raw := r.URL.Query().Get("cascade"); raw != "" {
		var err error
		if cascade, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "cascade must be true or false")
			return
		}
	}

	cancelled, err := s.svc.Slots.DeleteSlot(r.Context(), id, cascade)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slot_id": id, "cancelled_bookings": cancelled})
}

func (s *HTTPServer) handleAdminListBookings(w http.ResponseWriter, r *http.Request) {
	status := models.BookingStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	bookings, err := s.svc.Moderation.ListBookings(r.Context(), status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *HTTPServer) handleAdminDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Decision string `json:"decision"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	decision, err := models.ParseDecision(body.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	booking, err := s.svc.Moderation.AdminDecision(r.Context(), id, decision)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleConsistency(w http.ResponseWriter, r *http.Request) {
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))
	report, err := s.svc.Moderation.CheckConsistency(r.Context(), repair)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	task, err := s.svc.Tasks.CreateTask(r.Context(), body.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	onlyOpen, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	tasks, err := s.svc.Tasks.ListTasks(r.Context(), onlyOpen)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *HTTPServer) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.svc.Tasks.Claim(r.Context(), id, user)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) handleUnclaimTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.svc.Tasks.Unclaim(r.Context(), id, user)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
