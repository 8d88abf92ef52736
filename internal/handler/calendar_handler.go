package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/slotbook/internal/availability"
	"github.com/hitoshi/slotbook/internal/metrics"
	"github.com/hitoshi/slotbook/internal/model"
	"github.com/hitoshi/slotbook/internal/slot"
)

const (
	// idempotencyKeyHeader は予約作成の再送を識別するヘッダー。
	idempotencyKeyHeader = "Idempotency-Key"
	// replayedHeader は保存済みの結果を返したことを示すヘッダー。
	replayedHeader = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 255
	maxBookingBodyBytes     = 64 << 10
	// maxBusyRange はbusy区間問い合わせで許容する最大期間。
	maxBusyRange = 62 * 24 * time.Hour
)

// BusyServiceInterface はbusy区間の取得に必要なサービスインターフェース。
type BusyServiceInterface interface {
	Busy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error)
}

// AvailabilityServiceInterface は空き枠の計算に必要なサービスインターフェース。
type AvailabilityServiceInterface interface {
	Days(ctx context.Context, from, to model.Date, now time.Time) ([]availability.DayAvailability, error)
	Location() *time.Location
}

// BookingServiceInterface は予約作成に必要なサービスインターフェース。
type BookingServiceInterface interface {
	// BookIdempotent はkeyが空の場合は通常の予約として処理する。
	BookIdempotent(ctx context.Context, key string, req model.BookingRequest, now time.Time) (*model.BookingResult, bool, error)
}

// CalendarHandler はカレンダー関連APIのHTTPハンドラー。
type CalendarHandler struct {
	busy         BusyServiceInterface
	availability AvailabilityServiceInterface
	booking      BookingServiceInterface
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	now          func() time.Time
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(
	busy BusyServiceInterface,
	avail AvailabilityServiceInterface,
	booking BookingServiceInterface,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *CalendarHandler {
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarHandler{
		busy:         busy,
		availability: avail,
		booking:      booking,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// busyIntervalResponse はbusy区間のAPIレスポンス。
type busyIntervalResponse struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type availabilityResponse struct {
	BusySlots []busyIntervalResponse `json:"busySlots"`
}

type dayResponse struct {
	Date  string   `json:"date"`
	Slots []string `json:"slots"`
}

type slotsResponse struct {
	Timezone        string        `json:"timezone"`
	DurationMinutes int           `json:"durationMinutes"`
	Days            []dayResponse `json:"days"`
}

// bookRequest は予約作成リクエストのボディ。
type bookRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
	Phone   string `json:"phone"`
	Reason  string `json:"reason"`
	Notes   string `json:"notes"`
	Date    string `json:"date"`
	Time    string `json:"time"`
}

type eventResponse struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Start    string `json:"start"`
	End      string `json:"end"`
	HTMLLink string `json:"htmlLink,omitempty"`
}

type bookingRecordResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	Company         string `json:"company,omitempty"`
	Phone           string `json:"phone,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Notes           string `json:"notes,omitempty"`
	ScheduledStart  string `json:"scheduledStart"`
	ScheduledEnd    string `json:"scheduledEnd"`
	CreatedAt       string `json:"createdAt"`
	CalendarEventID string `json:"calendarEventId,omitempty"`
}

type bookResponse struct {
	Success  bool                  `json:"success"`
	Event    eventResponse         `json:"event"`
	DBRecord bookingRecordResponse `json:"dbRecord"`
}

// GetAvailability は指定期間のbusy区間（外部カレンダーとローカル予約の統合）を返す。
// GET /api/calendar/availability?start=<RFC3339>&end=<RFC3339>
func (h *CalendarHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	start, err := parseInstant(r, "start")
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	end, err := parseInstant(r, "end")
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if !end.After(start) {
		handleServiceError(w, h.logger, model.NewValidationError("end", "end must be after start"))
		return
	}
	if end.Sub(start) > maxBusyRange {
		handleServiceError(w, h.logger, model.NewValidationError("end", "requested range is too long"))
		return
	}

	h.metrics.RecordAvailabilityQuery("busy")
	intervals, err := h.busy.Busy(r.Context(), start, end)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := availabilityResponse{BusySlots: make([]busyIntervalResponse, 0, len(intervals))}
	for _, iv := range intervals {
		resp.BusySlots = append(resp.BusySlots, busyIntervalResponse{
			Start: formatInstant(iv.Start),
			End:   formatInstant(iv.End),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSlots は暦日ごとの予約可能な枠を返す。
// GET /api/calendar/slots?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *CalendarHandler) GetSlots(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r, "from")
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	to := from
	if r.URL.Query().Get("to") != "" {
		if to, err = parseDateParam(r, "to"); err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
	}

	h.metrics.RecordAvailabilityQuery("slots")
	days, err := h.availability.Days(r.Context(), from, to, h.now())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := slotsResponse{
		Timezone:        h.availability.Location().String(),
		DurationMinutes: model.BookingDurationMinutes,
		Days:            make([]dayResponse, 0, len(days)),
	}
	for _, d := range days {
		slots := make([]string, 0, len(d.Slots))
		for _, s := range d.Slots {
			slots = append(slots, s.String())
		}
		resp.Days = append(resp.Days, dayResponse{Date: d.Date.String(), Slots: slots})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Book は予約を作成する。
// POST /api/calendar/book
func (h *CalendarHandler) Book(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLength {
		handleServiceError(w, h.logger, model.NewValidationError(idempotencyKeyHeader, "key is too long"))
		return
	}

	var body bookRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBookingBodyBytes))
	if err := dec.Decode(&body); err != nil {
		handleServiceError(w, h.logger, model.NewValidationError("", "request body must be a JSON object"))
		return
	}

	req, err := toBookingRequest(body)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	result, replayed, err := h.booking.BookIdempotent(r.Context(), key, req, h.now())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	if replayed {
		w.Header().Set(replayedHeader, "true")
	}
	writeJSON(w, http.StatusCreated, bookResponse{
		Success:  true,
		Event:    toEventResponse(result.Event),
		DBRecord: toBookingRecordResponse(result.Booking),
	})
}

// toBookingRequest はリクエストボディをドメインの予約リクエストに変換する。
// 日付と時刻の書式はここで検証し、それ以外の検証は予約サービスに委ねる。
func toBookingRequest(body bookRequest) (model.BookingRequest, error) {
	if strings.TrimSpace(body.Date) == "" {
		return model.BookingRequest{}, model.NewValidationError("date", "date is required")
	}
	if strings.TrimSpace(body.Time) == "" {
		return model.BookingRequest{}, model.NewValidationError("time", "time is required")
	}
	date, err := slot.ParseDate(strings.TrimSpace(body.Date))
	if err != nil {
		return model.BookingRequest{}, err
	}
	ts, err := slot.ParseTimeSlot(strings.TrimSpace(body.Time))
	if err != nil {
		return model.BookingRequest{}, err
	}
	return model.BookingRequest{
		ContactEmail:    body.Email,
		ContactName:     body.Name,
		Date:            date,
		Slot:            ts,
		DurationMinutes: model.BookingDurationMinutes,
		Metadata: model.BookingMetadata{
			Company: body.Company,
			Phone:   body.Phone,
			Reason:  body.Reason,
			Notes:   body.Notes,
		},
	}, nil
}

func toEventResponse(e *model.CalendarEvent) eventResponse {
	if e == nil {
		return eventResponse{}
	}
	return eventResponse{
		ID:       e.ID,
		Summary:  e.Summary,
		Start:    formatInstant(e.Start),
		End:      formatInstant(e.End),
		HTMLLink: e.Link,
	}
}

func toBookingRecordResponse(b *model.ConfirmedBooking) bookingRecordResponse {
	if b == nil {
		return bookingRecordResponse{}
	}
	return bookingRecordResponse{
		ID:              b.ID,
		Email:           b.ContactEmail,
		Name:            b.ContactName,
		Company:         b.Metadata.Company,
		Phone:           b.Metadata.Phone,
		Reason:          b.Metadata.Reason,
		Notes:           b.Metadata.Notes,
		ScheduledStart:  formatInstant(b.ScheduledStartUTC),
		ScheduledEnd:    formatInstant(b.ScheduledEndUTC),
		CreatedAt:       formatInstant(b.CreatedAtUTC),
		CalendarEventID: b.CalendarEventID,
	}
}

// parseInstant はクエリパラメータをRFC3339の時刻としてパースし、UTCで返す。
func parseInstant(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, model.NewValidationError(name, name+" is required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, model.NewValidationError(name, name+" must be an RFC3339 timestamp")
	}
	return t.UTC(), nil
}

func parseDateParam(r *http.Request, name string) (model.Date, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return model.Date{}, model.NewValidationError(name, name+" is required")
	}
	return slot.ParseDate(raw)
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
