package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"inkslot/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// ErrRowNotFound is returned when a booking has no row in the mirror sheet.
var ErrRowNotFound = errors.New("booking row not found")

const lastColumn = "L"

var bookingHeaders = []interface{}{
	"ID", "Slot ID", "User ID", "Service Item", "Status", "Payment Status",
	"Payment Method", "Final Price", "Currency", "Cancel Reason", "Created At", "Updated At",
}

// SheetsMirror keeps a read-only copy of bookings in a Google spreadsheet for staff.
// Row numbers are cached by booking id.
type SheetsMirror struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *zerolog.Logger

	rowCache map[int64]int
	cacheMu  sync.RWMutex
}

func NewSheetsMirror(ctx context.Context, credentialsFile, spreadsheetID, sheetName string, logger *zerolog.Logger) (*SheetsMirror, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newSheetsMirror(srv, spreadsheetID, sheetName, logger), nil
}

func newSheetsMirror(srv *sheets.Service, spreadsheetID, sheetName string, logger *zerolog.Logger) *SheetsMirror {
	l := logger.With().Str("component", "sheets_mirror").Logger()
	return &SheetsMirror{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        &l,
		rowCache:      make(map[int64]int),
	}
}

func (s *SheetsMirror) rangeOf(cells string) string {
	return s.sheetName + "!" + cells
}

// TestConnection reads the header cell.
func (s *SheetsMirror) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A1")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// WarmUpCache populates the row index cache by reading the entire ID column.
func (s *SheetsMirror) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A:A")).Context(ctx).Do()
	if err != nil {
		return err
	}

	cache := make(map[int64]int, len(resp.Values))
	for i, row := range resp.Values {
		if id, ok := cellID(row); ok {
			cache[id] = i + 1
		}
	}

	s.cacheMu.Lock()
	s.rowCache = cache
	s.cacheMu.Unlock()

	s.logger.Debug().Int("rows", len(cache)).Msg("row cache warmed up")
	return nil
}

// UpsertBooking updates an existing booking row or appends a new one if not found.
func (s *SheetsMirror) UpsertBooking(ctx context.Context, booking *models.Booking) error {
	if booking == nil {
		return errors.New("booking is nil")
	}

	rowIdx, err := s.FindBookingRow(ctx, booking.ID)
	if errors.Is(err, ErrRowNotFound) {
		return s.appendBooking(ctx, booking)
	}
	if err != nil {
		return err
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.rowRange(rowIdx), &sheets.ValueRange{
		Values: [][]interface{}{bookingRowValues(booking)},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *SheetsMirror) appendBooking(ctx context.Context, booking *models.Booking) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.rangeOf("A:A"), &sheets.ValueRange{
		Values: [][]interface{}{bookingRowValues(booking)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}

	if resp.Updates != nil {
		if row, ok := rowFromRange(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(booking.ID, row)
		}
	}
	return nil
}

// UpdateBookingStatus rewrites the status and updated-at cells of a booking row.
func (s *SheetsMirror) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error {
	rowIdx, err := s.FindBookingRow(ctx, bookingID)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(models.DateTimeLayout)
	_, err = s.service.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data: []*sheets.ValueRange{
			{Range: s.rangeOf(fmt.Sprintf("E%d", rowIdx)), Values: [][]interface{}{{status}}},
			{Range: s.rangeOf(fmt.Sprintf("L%d", rowIdx)), Values: [][]interface{}{{now}}},
		},
	}).Context(ctx).Do()
	return err
}

// DeleteBookingRow clears the row that corresponds to bookingID.
func (s *SheetsMirror) DeleteBookingRow(ctx context.Context, bookingID int64) error {
	rowIdx, err := s.FindBookingRow(ctx, bookingID)
	if err != nil {
		return err
	}

	_, err = s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.rowRange(rowIdx), &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err == nil {
		s.deleteCachedRow(bookingID)
	}
	return err
}

// ReplaceBookings rewrites the whole sheet, header included.
func (s *SheetsMirror) ReplaceBookings(ctx context.Context, bookings []*models.Booking) error {
	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.rangeOf("A:"+lastColumn), &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to clear bookings sheet: %w", err)
	}

	values := make([][]interface{}, 0, len(bookings)+1)
	values = append(values, bookingHeaders)
	for _, b := range bookings {
		values = append(values, bookingRowValues(b))
	}

	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.rangeOf("A1"), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to update bookings sheet: %w", err)
	}

	cache := make(map[int64]int, len(bookings))
	for i, b := range bookings {
		cache[b.ID] = i + 2 // первая строка занята заголовком
	}
	s.cacheMu.Lock()
	s.rowCache = cache
	s.cacheMu.Unlock()
	return nil
}

// FindBookingRow locates the 1-based row index for bookingID in column A.
func (s *SheetsMirror) FindBookingRow(ctx context.Context, bookingID int64) (int, error) {
	if bookingID == 0 {
		return 0, errors.New("booking id is required")
	}
	if row, ok := s.getCachedRow(bookingID); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A:A")).Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if id, ok := cellID(row); ok && id == bookingID {
			s.setCachedRow(bookingID, i+1)
			return i + 1, nil
		}
	}
	return 0, ErrRowNotFound
}

func (s *SheetsMirror) rowRange(row int) string {
	return s.rangeOf(fmt.Sprintf("A%d:%s%d", row, lastColumn, row))
}

func (s *SheetsMirror) getCachedRow(id int64) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsMirror) setCachedRow(id int64, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

func (s *SheetsMirror) deleteCachedRow(id int64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.rowCache, id)
}

func cellID(row []interface{}) (int64, bool) {
	if len(row) == 0 {
		return 0, false
	}
	switch v := row[0].(type) {
	case float64:
		return int64(v), v > 0
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return id, err == nil && id > 0
	}
	return 0, false
}

// rowFromRange extracts the first row number from an A1 range like "Bookings!A10:L10".
func rowFromRange(a1 string) (int, bool) {
	if i := strings.LastIndexByte(a1, '!'); i >= 0 {
		a1 = a1[i+1:]
	}
	if i := strings.IndexByte(a1, ':'); i >= 0 {
		a1 = a1[:i]
	}
	digits := strings.TrimLeft(a1, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	row, err := strconv.Atoi(digits)
	if err != nil || row <= 0 {
		return 0, false
	}
	return row, true
}

func bookingRowValues(b *models.Booking) []interface{} {
	return []interface{}{
		b.ID,
		b.SlotID,
		b.UserID,
		b.ServiceItemID,
		string(b.Status),
		string(b.PaymentStatus),
		string(b.PaymentMethod),
		b.FinalPrice,
		b.Currency,
		string(b.CancelReason),
		b.CreatedAt.UTC().Format(models.DateTimeLayout),
		b.UpdatedAt.UTC().Format(models.DateTimeLayout),
	}
}
