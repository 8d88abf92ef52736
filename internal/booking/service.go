// Package booking は予約トランザクション（検証・空き確認・二重書き込み）を提供する。
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/slotbook/internal/calendar"
	"github.com/hitoshi/slotbook/internal/idempotency"
	"github.com/hitoshi/slotbook/internal/metrics"
	"github.com/hitoshi/slotbook/internal/model"
	"github.com/hitoshi/slotbook/internal/repository"
	"github.com/hitoshi/slotbook/internal/slot"
)

const (
	maxNameLength  = 200
	maxEmailLength = 254
)

// EventCreator は外部カレンダーへのイベント作成のインターフェース。
type EventCreator interface {
	CreateEvent(ctx context.Context, req calendar.EventRequest) (*model.CalendarEvent, error)
}

// SlotChecker は時間帯の空き確認のインターフェース。
type SlotChecker interface {
	CheckSlot(ctx context.Context, start, end time.Time) error
}

// Sanitizer は自由記述テキストのサニタイズのインターフェース。
type Sanitizer interface {
	Sanitize(input string) string
}

// Service は予約トランザクションのサービス層。
// 検証 → 空き確認 → 外部イベント作成とローカル保存の並行実行 → イベントIDの紐付け、の順に処理する。
// 2相コミットは行わず、片側のみ成功した場合は照合用の情報をログに残す。
type Service struct {
	repo      repository.BookingRepository
	events    EventCreator
	checker   SlotChecker
	slots     *slot.Model
	sanitizer Sanitizer
	idem      idempotency.Store
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.BookingRepository,
	events EventCreator,
	checker SlotChecker,
	slots *slot.Model,
	sanitizer Sanitizer,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		events:    events,
		checker:   checker,
		slots:     slots,
		sanitizer: sanitizer,
		metrics:   metrics.Noop{},
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// WithIdempotency はIdempotency-Keyのストアを設定する。
func (s *Service) WithIdempotency(store idempotency.Store) *Service {
	s.idem = store
	return s
}

// WithMetrics はメトリクスコレクターを設定する。
func (s *Service) WithMetrics(m metrics.MetricsCollector) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Book は予約リクエストを検証し、外部カレンダーとローカルストアの両方に書き込む。
// nowは過去枠の判定に使用する。
func (s *Service) Book(ctx context.Context, req model.BookingRequest, now time.Time) (*model.BookingResult, error) {
	result, err := s.book(ctx, req, now)
	s.metrics.RecordBooking(outcomeOf(err))
	return result, err
}

// BookIdempotent はIdempotency-Key付きで予約する。
// 完了済みのキーの場合は副作用なしで保存済みの結果を返し、replayedをtrueにする。
// キーが空またはストア未設定の場合はBookと同じ。
func (s *Service) BookIdempotent(ctx context.Context, key string, req model.BookingRequest, now time.Time) (result *model.BookingResult, replayed bool, err error) {
	if key == "" || s.idem == nil {
		result, err = s.Book(ctx, req, now)
		return result, false, err
	}

	normalized, start, err := s.validate(req, now)
	if err != nil {
		s.metrics.RecordBooking(metrics.OutcomeInvalid)
		return nil, false, err
	}
	fingerprint := idempotency.Fingerprint(normalized.ContactEmail, start)

	stored, err := s.idem.Begin(ctx, key, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if stored != nil {
		s.metrics.RecordBooking(metrics.OutcomeReplayed)
		return stored, true, nil
	}

	result, err = s.Book(ctx, req, now)
	if err != nil {
		// 部分コミットの場合もキーを解除する。再送は重複として拒否される。
		if releaseErr := s.idem.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			s.logger.Warn("failed to release idempotency key", slog.String("error", releaseErr.Error()))
		}
		return nil, false, err
	}
	if completeErr := s.idem.Complete(context.WithoutCancel(ctx), key, fingerprint, result); completeErr != nil {
		s.logger.Warn("failed to store idempotency result",
			slog.String("booking_id", result.Booking.ID),
			slog.String("error", completeErr.Error()),
		)
	}
	return result, false, nil
}

func (s *Service) book(ctx context.Context, req model.BookingRequest, now time.Time) (*model.BookingResult, error) {
	// 1. 入力検証（副作用なし）
	normalized, start, err := s.validate(req, now)
	if err != nil {
		return nil, err
	}
	end := start.Add(model.BookingDuration)

	// 2. 現在の空き状況で再確認（外部カレンダー障害時は書き込まない）
	if err := s.checker.CheckSlot(ctx, start, end); err != nil {
		var unavailable *model.SlotUnavailableError
		if errors.As(err, &unavailable) {
			return nil, s.classifyConflict(ctx, normalized.ContactEmail, start, end, err)
		}
		return nil, err
	}

	booking := &model.ConfirmedBooking{
		ID:                s.newID(),
		ContactEmail:      normalized.ContactEmail,
		ContactName:       normalized.ContactName,
		ScheduledStartUTC: start,
		ScheduledEndUTC:   end,
		CreatedAtUTC:      now.UTC(),
		Metadata:          normalized.Metadata,
	}

	// 3. 二重書き込み
	event, err := s.dualWrite(ctx, booking)
	if err != nil {
		return nil, err
	}

	// 4. イベントIDの紐付け（失敗しても予約は確定済み。照合ジョブが補完する）
	booking.CalendarEventID = event.ID
	if err := s.repo.SetCalendarEventID(context.WithoutCancel(ctx), booking.ID, event.ID); err != nil {
		s.logger.Warn("failed to link calendar event to booking",
			slog.String("booking_id", booking.ID),
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("booking confirmed",
		slog.String("booking_id", booking.ID),
		slog.String("event_id", event.ID),
		slog.String("start", start.Format(time.RFC3339)),
	)
	return &model.BookingResult{Booking: booking, Event: event}, nil
}

// dualWrite は外部イベント作成とローカル保存を並行に実行し、両方の完了を待つ。
// 書き込みを開始した後はリクエストのキャンセルで中断しない。
func (s *Service) dualWrite(ctx context.Context, booking *model.ConfirmedBooking) (*model.CalendarEvent, error) {
	writeCtx := context.WithoutCancel(ctx)

	var (
		event              *model.CalendarEvent
		eventErr, storeErr error
		g                  errgroup.Group
	)
	g.Go(func() error {
		event, eventErr = s.events.CreateEvent(writeCtx, s.eventRequest(booking))
		return nil
	})
	g.Go(func() error {
		storeErr = s.repo.Create(writeCtx, booking)
		return nil
	})
	_ = g.Wait()

	var dup *model.DuplicateBookingError
	switch {
	case eventErr == nil && storeErr == nil:
		return event, nil

	case errors.As(storeErr, &dup):
		if eventErr == nil {
			s.logger.Error("duplicate booking rejected after calendar event was created",
				slog.String("booking_id", booking.ID),
				slog.String("event_id", event.ID),
				slog.String("contact_email", booking.ContactEmail),
			)
		}
		return nil, storeErr

	case eventErr != nil && storeErr != nil:
		return nil, fmt.Errorf("予約の書き込みに失敗しました: %w", errors.Join(eventErr, storeErr))

	default:
		partial := &model.PartialCommitError{
			BookingID:    booking.ID,
			EventCreated: eventErr == nil,
			RecordStored: storeErr == nil,
		}
		side := "record"
		if eventErr == nil {
			partial.EventID = event.ID
			partial.Err = storeErr
			side = "event"
		} else {
			partial.Err = eventErr
		}
		s.metrics.RecordPartialCommit(side)
		s.logger.Error("partial commit: manual reconciliation required",
			slog.String("booking_id", partial.BookingID),
			slog.String("event_id", partial.EventID),
			slog.Bool("event_created", partial.EventCreated),
			slog.Bool("record_stored", partial.RecordStored),
			slog.String("error", partial.Err.Error()),
		)
		return nil, partial
	}
}

// classifyConflict は埋まっている枠が同一利用者の既存予約かどうかを判定する。
func (s *Service) classifyConflict(ctx context.Context, email string, start, end time.Time, conflict error) error {
	existing, err := s.repo.ListOverlapping(ctx, start, end)
	if err != nil {
		return fmt.Errorf("既存予約の確認に失敗しました: %w", err)
	}
	for _, b := range existing {
		if b.ContactEmail == email && b.ScheduledStartUTC.Equal(start) {
			return &model.DuplicateBookingError{ContactEmail: email, Start: start}
		}
	}
	return conflict
}

// validate はリクエストを正規化し、開始時刻(UTC)を返す。
func (s *Service) validate(req model.BookingRequest, now time.Time) (model.BookingRequest, time.Time, error) {
	out := req
	out.ContactEmail = strings.ToLower(strings.TrimSpace(req.ContactEmail))
	out.ContactName = strings.TrimSpace(req.ContactName)
	out.Metadata = model.BookingMetadata{
		Company: strings.TrimSpace(req.Metadata.Company),
		Phone:   strings.TrimSpace(req.Metadata.Phone),
		Reason:  strings.TrimSpace(req.Metadata.Reason),
		Notes:   strings.TrimSpace(req.Metadata.Notes),
	}

	if out.ContactName == "" {
		return out, time.Time{}, model.NewValidationError("name", "name is required")
	}
	if len(out.ContactName) > maxNameLength {
		return out, time.Time{}, model.NewValidationError("name", "name is too long")
	}
	if out.ContactEmail == "" {
		return out, time.Time{}, model.NewValidationError("email", "email is required")
	}
	if len(out.ContactEmail) > maxEmailLength {
		return out, time.Time{}, model.NewValidationError("email", "email is too long")
	}
	addr, err := mail.ParseAddress(out.ContactEmail)
	if err != nil || addr.Address != out.ContactEmail {
		return out, time.Time{}, model.NewValidationError("email", "email is not a valid address")
	}

	if out.DurationMinutes == 0 {
		out.DurationMinutes = model.BookingDurationMinutes
	}
	if out.DurationMinutes != model.BookingDurationMinutes {
		return out, time.Time{}, model.NewValidationError("durationMinutes",
			fmt.Sprintf("duration must be %d minutes", model.BookingDurationMinutes))
	}
	if !slot.InCatalogue(out.Slot) {
		return out, time.Time{}, model.NewValidationError("time", fmt.Sprintf("%s is not an offered time slot", out.Slot))
	}

	start, err := s.slots.ToUTC(out.Date, out.Slot)
	if err != nil {
		return out, time.Time{}, err
	}
	if start.Before(now) {
		return out, time.Time{}, model.NewValidationError("date", "requested slot is in the past")
	}
	return out, start, nil
}

// eventRequest は予約から外部カレンダーのイベント内容を組み立てる。
// 利用者の入力はタグを除去してから説明文に含める。
func (s *Service) eventRequest(b *model.ConfirmedBooking) calendar.EventRequest {
	name := s.sanitizer.Sanitize(b.ContactName)

	var desc strings.Builder
	writeLine := func(label, value string) {
		if v := s.sanitizer.Sanitize(value); v != "" {
			fmt.Fprintf(&desc, "%s: %s\n", label, v)
		}
	}
	writeLine("Name", b.ContactName)
	writeLine("Email", b.ContactEmail)
	writeLine("Company", b.Metadata.Company)
	writeLine("Phone", b.Metadata.Phone)
	writeLine("Reason", b.Metadata.Reason)
	writeLine("Notes", b.Metadata.Notes)
	fmt.Fprintf(&desc, "Booking ID: %s", b.ID)

	return calendar.EventRequest{
		BookingID:   b.ID,
		Summary:     "Consultation: " + name,
		Description: desc.String(),
		Start:       b.ScheduledStartUTC,
		End:         b.ScheduledEndUTC,
	}
}

// outcomeOf はエラーをメトリクスの結果ラベルに変換する。
func outcomeOf(err error) string {
	var (
		validation  *model.ValidationError
		invalidDate *model.InvalidDateError
		dup         *model.DuplicateBookingError
		unavailable *model.SlotUnavailableError
		upstream    *model.UpstreamUnavailableError
		partial     *model.PartialCommitError
	)
	switch {
	case err == nil:
		return metrics.OutcomeConfirmed
	case errors.As(err, &validation), errors.As(err, &invalidDate):
		return metrics.OutcomeInvalid
	case errors.As(err, &dup):
		return metrics.OutcomeDuplicate
	case errors.As(err, &unavailable):
		return metrics.OutcomeSlotUnavailable
	case errors.As(err, &partial):
		return metrics.OutcomePartial
	case errors.As(err, &upstream):
		return metrics.OutcomeUpstream
	default:
		return metrics.OutcomeError
	}
}
