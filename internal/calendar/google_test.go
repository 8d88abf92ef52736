package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/slotbook/internal/model"
)

func newTestClient(t *testing.T, handler http.Handler, opts Options) *GoogleClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts.CalendarID = "primary"
	opts.HTTPClient = srv.Client()
	opts.Endpoint = srv.URL + "/"
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c, err := NewGoogleClient(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewGoogleClient failed: %v", err)
	}
	return c
}

func TestNewGoogleClient_RequiresCalendarID(t *testing.T) {
	_, err := NewGoogleClient(context.Background(), Options{HTTPClient: http.DefaultClient})
	if err == nil {
		t.Fatal("expected error when calendar id is empty")
	}
}

func TestFreeBusy_ParsesBusyPeriods(t *testing.T) {
	var gotBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"kind": "calendar#freeBusy",
			"calendars": {
				"primary": {
					"busy": [
						{"start": "2025-06-02T08:00:00-05:00", "end": "2025-06-02T09:00:00-05:00"},
						{"start": "2025-06-02T15:00:00Z", "end": "2025-06-02T15:30:00Z"}
					]
				}
			}
		}`)
	})
	c := newTestClient(t, mux, Options{})

	start := time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	got, err := c.FreeBusy(context.Background(), start, end)
	if err != nil {
		t.Fatalf("FreeBusy failed: %v", err)
	}

	want := []model.BusyInterval{
		{Start: time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC), End: time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)},
		{Start: time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC), End: time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Errorf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
		if got[i].Start.Location() != time.UTC {
			t.Errorf("got[%d].Start is not UTC", i)
		}
	}

	if gotBody["timeMin"] != "2025-06-02T05:00:00Z" {
		t.Errorf("timeMin = %v, want 2025-06-02T05:00:00Z", gotBody["timeMin"])
	}
}

func TestFreeBusy_CalendarErrorIsUpstreamUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"calendars": {"primary": {"errors": [{"domain": "global", "reason": "notFound"}]}}}`)
	})
	c := newTestClient(t, mux, Options{})

	_, err := c.FreeBusy(context.Background(), time.Now(), time.Now().Add(time.Hour))
	var upstream *model.UpstreamUnavailableError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
	if upstream.Op != opFreeBusy {
		t.Errorf("Op = %q, want %q", upstream.Op, opFreeBusy)
	}
}

func TestFreeBusy_ServerErrorIsUpstreamUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 500, "message": "backend error"}}`, http.StatusInternalServerError)
	})
	c := newTestClient(t, mux, Options{})

	_, err := c.FreeBusy(context.Background(), time.Now(), time.Now().Add(time.Hour))
	var upstream *model.UpstreamUnavailableError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
}

func TestFreeBusy_TimeoutIsUpstreamUnavailable(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	c := newTestClient(t, mux, Options{Timeout: 50 * time.Millisecond})
	defer close(release)

	_, err := c.FreeBusy(context.Background(), time.Now(), time.Now().Add(time.Hour))
	var upstream *model.UpstreamUnavailableError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped DeadlineExceeded, got %v", err)
	}
}

func TestCircuitBreaker_FailsFastAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"code": 503, "message": "unavailable"}}`, http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux, Options{BreakerFailures: 2, BreakerCooldown: time.Minute})

	for i := 0; i < 4; i++ {
		_, err := c.FreeBusy(context.Background(), time.Now(), time.Now().Add(time.Hour))
		var upstream *model.UpstreamUnavailableError
		if !errors.As(err, &upstream) {
			t.Fatalf("call %d: expected UpstreamUnavailableError, got %v", i, err)
		}
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("provider calls = %d, want 2 (breaker should open)", got)
	}
}

func TestCreateEvent_SendsBookingIDProperty(t *testing.T) {
	var got struct {
		Summary            string `json:"summary"`
		Description        string `json:"description"`
		ExtendedProperties struct {
			Private map[string]string `json:"private"`
		} `json:"extendedProperties"`
		Start struct {
			DateTime string `json:"dateTime"`
			TimeZone string `json:"timeZone"`
		} `json:"start"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "evt-123",
			"summary": "Consultation: Jane Doe",
			"htmlLink": "https://calendar.example/evt-123",
			"start": {"dateTime": "2025-06-02T08:00:00-05:00"},
			"end": {"dateTime": "2025-06-02T08:45:00-05:00"}
		}`)
	})
	c := newTestClient(t, mux, Options{Timezone: "America/Chicago"})

	start := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	event, err := c.CreateEvent(context.Background(), EventRequest{
		BookingID:   "booking-1",
		Summary:     "Consultation: Jane Doe",
		Description: "Reason: planning",
		Start:       start,
		End:         start.Add(45 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	if event.ID != "evt-123" {
		t.Errorf("event.ID = %q, want %q", event.ID, "evt-123")
	}
	if !event.Start.Equal(start) {
		t.Errorf("event.Start = %v, want %v", event.Start, start)
	}
	if event.Link != "https://calendar.example/evt-123" {
		t.Errorf("event.Link = %q", event.Link)
	}
	if got.ExtendedProperties.Private[BookingIDProperty] != "booking-1" {
		t.Errorf("private bookingId = %q, want %q", got.ExtendedProperties.Private[BookingIDProperty], "booking-1")
	}
	if got.Start.DateTime != "2025-06-02T13:00:00Z" {
		t.Errorf("start.dateTime = %q, want %q", got.Start.DateTime, "2025-06-02T13:00:00Z")
	}
	if got.Start.TimeZone != "America/Chicago" {
		t.Errorf("start.timeZone = %q, want %q", got.Start.TimeZone, "America/Chicago")
	}
}

func TestFindEventByBookingID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("privateExtendedProperty") == "bookingId=booking-1" {
			_, _ = io.WriteString(w, `{"items": [{"id": "evt-1", "start": {"dateTime": "2025-06-02T13:00:00Z"}, "end": {"dateTime": "2025-06-02T13:45:00Z"}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"items": []}`)
	})
	c := newTestClient(t, mux, Options{})

	event, err := c.FindEventByBookingID(context.Background(), "booking-1")
	if err != nil {
		t.Fatalf("FindEventByBookingID failed: %v", err)
	}
	if event == nil || event.ID != "evt-1" {
		t.Fatalf("event = %+v, want evt-1", event)
	}

	event, err = c.FindEventByBookingID(context.Background(), "booking-2")
	if err != nil {
		t.Fatalf("FindEventByBookingID failed: %v", err)
	}
	if event != nil {
		t.Errorf("event = %+v, want nil", event)
	}
}

func TestCircuitBreaker_IgnoresCancelledCallers(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"calendars": {"primary": {"busy": []}}}`)
	})
	c := newTestClient(t, mux, Options{})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := c.FreeBusy(cancelled, time.Now(), time.Now().Add(time.Hour))
		var upstream *model.UpstreamUnavailableError
		if !errors.As(err, &upstream) {
			t.Fatalf("call %d: expected UpstreamUnavailableError, got %v", i, err)
		}
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("provider calls = %d, want 0 for cancelled callers", got)
	}

	if _, err := c.FreeBusy(context.Background(), time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("healthy call failed after cancelled callers: %v", err)
	}
}

func TestCircuitBreaker_IgnoresCallersAbortingMidFlight(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"calendars": {"primary": {"busy": []}}}`)
	})
	c := newTestClient(t, mux, Options{BreakerFailures: 2, BreakerCooldown: time.Minute})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.FreeBusy(ctx, time.Now(), time.Now().Add(time.Hour))
		cancel()
		if err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	slow.Store(false)
	if _, err := c.FreeBusy(context.Background(), time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("breaker opened by aborted callers: %v", err)
	}
}

func TestFindEventByBookingID_EventTimes(t *testing.T) {
	tests := []struct {
		name      string
		item      string
		wantStart time.Time
		wantLog   bool
	}{
		{
			name:      "dateTime",
			item:      `{"id": "evt-1", "start": {"dateTime": "2025-06-02T08:00:00-05:00"}, "end": {"dateTime": "2025-06-02T08:45:00-05:00"}}`,
			wantStart: time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC),
		},
		{
			name:      "終日イベント",
			item:      `{"id": "evt-1", "start": {"date": "2025-06-02"}, "end": {"date": "2025-06-03"}}`,
			wantStart: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "不正な日時",
			item:    `{"id": "evt-1", "start": {"dateTime": "not-a-time"}, "end": {"dateTime": "2025-06-02T13:45:00Z"}}`,
			wantLog: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"items": [`+tt.item+`]}`)
			})
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			c := newTestClient(t, mux, Options{Logger: logger})

			event, err := c.FindEventByBookingID(context.Background(), "booking-1")
			if err != nil {
				t.Fatalf("FindEventByBookingID failed: %v", err)
			}
			if !event.Start.Equal(tt.wantStart) {
				t.Errorf("event.Start = %v, want %v", event.Start, tt.wantStart)
			}
			logged := strings.Contains(buf.String(), "failed to parse calendar event time")
			if logged != tt.wantLog {
				t.Errorf("parse failure logged = %v, want %v: %s", logged, tt.wantLog, buf.String())
			}
		})
	}
}
