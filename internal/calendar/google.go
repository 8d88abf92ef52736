// Package calendar は外部カレンダープロバイダー（Google Calendar API v3）のアダプターを提供する。
// すべての呼び出しはタイムアウトとサーキットブレーカーで保護され、
// 失敗は *model.UpstreamUnavailableError として返される。
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/hitoshi/slotbook/internal/metrics"
	"github.com/hitoshi/slotbook/internal/model"
)

// BookingIDProperty はイベントに付与する非公開拡張プロパティのキー。
// 予約IDからイベントを逆引きする照合ジョブで使用する。
const BookingIDProperty = "bookingId"

const (
	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// 操作名（ログ・メトリクスのラベル）
const (
	opFreeBusy    = "freebusy"
	opInsertEvent = "insert_event"
	opFindEvent   = "find_event"
)

// Options はGoogleClientの設定。
type Options struct {
	CalendarID string
	// Timezone はイベント作成時に付与するIANAタイムゾーン名。
	Timezone string

	// 認証は HTTPClient > AccessToken > CredentialsFile > ADC の順に優先する。
	CredentialsFile string
	AccessToken     string
	HTTPClient      *http.Client
	// Endpoint はAPIのベースURLを差し替える（テスト・プロキシ用）。
	Endpoint string

	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

// EventRequest は外部カレンダーに作成するイベントの内容。
type EventRequest struct {
	BookingID   string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// errCallerDone は呼び出し元のコンテキストが先に終了したことを示す。
// サーキットブレーカーの失敗には数えない。
var errCallerDone = errors.New("呼び出し元のコンテキストが終了しました")

// GoogleClient はGoogle Calendar API v3のクライアント。
type GoogleClient struct {
	svc        *gcal.Service
	calendarID string
	timezone   string
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker[any]
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewGoogleClient はGoogleClientを生成する。
func NewGoogleClient(ctx context.Context, opts Options) (*GoogleClient, error) {
	if opts.CalendarID == "" {
		return nil, fmt.Errorf("カレンダーIDが設定されていません")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaultBreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}

	svc, err := gcal.NewService(ctx, clientOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("カレンダーサービスの初期化に失敗しました: %w", err)
	}

	c := &GoogleClient{
		svc:        svc,
		calendarID: opts.CalendarID,
		timezone:   opts.Timezone,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "google-calendar",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, errCallerDone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c, nil
}

func clientOptions(opts Options) []option.ClientOption {
	var out []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		out = append(out, option.WithHTTPClient(opts.HTTPClient))
	case opts.AccessToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.AccessToken})
		out = append(out, option.WithTokenSource(ts))
	case opts.CredentialsFile != "":
		out = append(out,
			option.WithCredentialsFile(opts.CredentialsFile),
			option.WithScopes(gcal.CalendarScope),
		)
	default:
		out = append(out, option.WithScopes(gcal.CalendarScope))
	}
	if opts.Endpoint != "" {
		out = append(out, option.WithEndpoint(opts.Endpoint))
	}
	return out
}

// call はタイムアウトとサーキットブレーカーで保護してfnを実行する。
// いかなる失敗も UpstreamUnavailableError に変換する。
// 呼び出し元のコンテキスト終了による失敗はブレーカーに計上しない。
// 呼び出しごとのタイムアウトは失敗として計上する。
func (c *GoogleClient) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.UpstreamUnavailableError{Op: op, Err: err}
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		res, err := fn(callCtx)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerDone, err)
		}
		return res, err
	})
	if errors.Is(err, errCallerDone) {
		c.logger.Info("calendar provider call abandoned by caller",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, &model.UpstreamUnavailableError{Op: op, Err: err}
	}
	c.metrics.RecordUpstreamCall(op, time.Since(start), err)
	if err != nil {
		c.logger.Error("calendar provider call failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, &model.UpstreamUnavailableError{Op: op, Err: err}
	}
	return result, nil
}

// FreeBusy は [start, end) 内で設定カレンダーが埋まっている時間帯をUTCで返す。
func (c *GoogleClient) FreeBusy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
	result, err := c.call(ctx, opFreeBusy, func(ctx context.Context) (any, error) {
		req := &gcal.FreeBusyRequest{
			TimeMin: start.UTC().Format(time.RFC3339),
			TimeMax: end.UTC().Format(time.RFC3339),
			Items:   []*gcal.FreeBusyRequestItem{{Id: c.calendarID}},
		}
		resp, err := c.svc.Freebusy.Query(req).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		return parseFreeBusy(resp, c.calendarID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]model.BusyInterval), nil
}

func parseFreeBusy(resp *gcal.FreeBusyResponse, calendarID string) ([]model.BusyInterval, error) {
	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("free/busyレスポンスにカレンダー %q が含まれていません", calendarID)
	}
	// カレンダー単位のエラー（notFound等）は空の結果と区別できないため失敗扱い
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("free/busyクエリがエラーを返しました: %s", cal.Errors[0].Reason)
	}

	intervals := make([]model.BusyInterval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		s, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("busy開始時刻のパースに失敗しました: %w", err)
		}
		e, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("busy終了時刻のパースに失敗しました: %w", err)
		}
		if !s.Before(e) {
			continue
		}
		intervals = append(intervals, model.BusyInterval{Start: s.UTC(), End: e.UTC()})
	}
	return intervals, nil
}

// CreateEvent は予約に対応するイベントを作成する。
// 予約IDは非公開拡張プロパティとして保存する。
func (c *GoogleClient) CreateEvent(ctx context.Context, req EventRequest) (*model.CalendarEvent, error) {
	event := &gcal.Event{
		Summary:     req.Summary,
		Description: req.Description,
		Start:       c.eventTime(req.Start),
		End:         c.eventTime(req.End),
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{BookingIDProperty: req.BookingID},
		},
	}

	result, err := c.call(ctx, opInsertEvent, func(ctx context.Context) (any, error) {
		return c.svc.Events.Insert(c.calendarID, event).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return c.toCalendarEvent(result.(*gcal.Event)), nil
}

// FindEventByBookingID は予約IDを持つイベントを検索する。見つからない場合はnilを返す。
func (c *GoogleClient) FindEventByBookingID(ctx context.Context, bookingID string) (*model.CalendarEvent, error) {
	result, err := c.call(ctx, opFindEvent, func(ctx context.Context) (any, error) {
		return c.svc.Events.List(c.calendarID).
			PrivateExtendedProperty(BookingIDProperty + "=" + bookingID).
			SingleEvents(true).
			MaxResults(1).
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}
	events := result.(*gcal.Events)
	if len(events.Items) == 0 {
		return nil, nil
	}
	return c.toCalendarEvent(events.Items[0]), nil
}

func (c *GoogleClient) eventTime(t time.Time) *gcal.EventDateTime {
	return &gcal.EventDateTime{
		DateTime: t.UTC().Format(time.RFC3339),
		TimeZone: c.timezone,
	}
}

func (c *GoogleClient) toCalendarEvent(e *gcal.Event) *model.CalendarEvent {
	out := &model.CalendarEvent{
		ID:      e.Id,
		Summary: e.Summary,
		Link:    e.HtmlLink,
	}
	out.Start = c.parseEventTime(e.Id, "start", e.Start)
	out.End = c.parseEventTime(e.Id, "end", e.End)
	return out
}

// parseEventTime はイベントの日時をUTCで返す。
// 終日イベント（dateのみ）はその日の0時として扱う。解析できない場合はゼロ値を返しログに残す。
func (c *GoogleClient) parseEventTime(eventID, field string, dt *gcal.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	var (
		t   time.Time
		err error
	)
	switch {
	case dt.DateTime != "":
		t, err = time.Parse(time.RFC3339, dt.DateTime)
	case dt.Date != "":
		t, err = time.Parse(time.DateOnly, dt.Date)
	default:
		err = errors.New("dateTime と date が両方とも空です")
	}
	if err != nil {
		c.logger.Warn("failed to parse calendar event time",
			slog.String("event_id", eventID),
			slog.String("field", field),
			slog.String("error", err.Error()),
		)
		return time.Time{}
	}
	return t.UTC()
}
