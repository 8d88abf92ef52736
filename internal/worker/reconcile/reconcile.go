// Package reconcile は二重書き込みの取りこぼしを補完する照合ジョブを提供する。
// 外部イベントIDが未設定の予約について、非公開プロパティ bookingId でイベントを逆引きし、
// 見つかれば紐付け、見つからなければ手動照合が必要なものとしてログに残す。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/slotbook/internal/metrics"
	"github.com/hitoshi/slotbook/internal/model"
)

const (
	// DefaultGrace は作成直後の予約を対象外にする猶予期間のデフォルト値。
	DefaultGrace = 15 * time.Minute
	// DefaultBatchSize は1回の実行で処理する予約数のデフォルト値。
	DefaultBatchSize = 100
)

// BookingStore は照合ジョブが使用する予約ストアのインターフェース。
type BookingStore interface {
	ListUnlinked(ctx context.Context, createdBefore, afterCreated time.Time, afterID string, limit int) ([]*model.ConfirmedBooking, error)
	SetCalendarEventID(ctx context.Context, id, eventID string) error
}

// EventFinder は予約IDから外部イベントを検索するインターフェース。
type EventFinder interface {
	FindEventByBookingID(ctx context.Context, bookingID string) (*model.CalendarEvent, error)
}

// Result は1回の実行結果。
type Result struct {
	Linked     int
	Unresolved int
}

// ReconcileJob は未紐付け予約の照合ジョブ。
// 冪等: 何度実行しても紐付け済みの予約には影響しない。
type ReconcileJob struct {
	store     BookingStore
	finder    EventFinder
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	Grace     time.Duration // 作成からの猶予期間（デフォルト: 15分）
	BatchSize int           // 1ページあたりの取得件数（デフォルト: 100）
}

// NewReconcileJob は新しいReconcileJobを生成する。
func NewReconcileJob(store BookingStore, finder EventFinder, logger *slog.Logger, m metrics.MetricsCollector) *ReconcileJob {
	if m == nil {
		m = metrics.Noop{}
	}
	return &ReconcileJob{
		store:     store,
		finder:    finder,
		logger:    logger,
		metrics:   m,
		Grace:     DefaultGrace,
		BatchSize: DefaultBatchSize,
	}
}

// Run は未紐付け予約を照合する。
// 対象をBatchSize件ずつ (created_at, id) 順にページングして最後まで走査するため、
// イベントが見つからない予約が溜まっても後続の予約は処理される。
// 外部カレンダーに到達できない場合は残りの予約の処理を中止して次回に持ち越す。
func (j *ReconcileJob) Run(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	var res Result
	createdBefore := now.Add(-j.Grace)
	batchSize := j.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var (
		afterCreated time.Time
		afterID      string
		scanned      int
	)
	for {
		bookings, err := j.store.ListUnlinked(ctx, createdBefore, afterCreated, afterID, batchSize)
		if err != nil {
			j.logger.Error("failed to list unlinked bookings", slog.String("error", err.Error()))
			return res, fmt.Errorf("未紐付け予約の取得に失敗: %w", err)
		}

		for _, b := range bookings {
			if err := j.reconcileOne(ctx, b, &res); err != nil {
				return res, err
			}
		}
		scanned += len(bookings)

		if len(bookings) < batchSize {
			break
		}
		last := bookings[len(bookings)-1]
		afterCreated, afterID = last.CreatedAtUTC, last.ID
	}

	j.metrics.RecordReconciled(res.Linked, res.Unresolved)
	j.logger.Info("reconciliation completed",
		slog.Int("scanned", scanned),
		slog.Int("linked", res.Linked),
		slog.Int("unresolved", res.Unresolved),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

func (j *ReconcileJob) reconcileOne(ctx context.Context, b *model.ConfirmedBooking, res *Result) error {
	event, err := j.finder.FindEventByBookingID(ctx, b.ID)
	if err != nil {
		var upstream *model.UpstreamUnavailableError
		if errors.As(err, &upstream) {
			j.metrics.RecordReconciled(res.Linked, res.Unresolved)
			j.logger.Warn("calendar provider unavailable, reconciliation postponed",
				slog.Int("linked", res.Linked),
				slog.String("error", err.Error()),
			)
			return err
		}
		return fmt.Errorf("イベントの検索に失敗: %w", err)
	}

	if event == nil {
		res.Unresolved++
		j.logger.Error("booking has no calendar event: manual reconciliation required",
			slog.String("booking_id", b.ID),
			slog.String("contact_email", b.ContactEmail),
			slog.String("start", b.ScheduledStartUTC.Format(time.RFC3339)),
		)
		return nil
	}

	if err := j.store.SetCalendarEventID(ctx, b.ID, event.ID); err != nil {
		return fmt.Errorf("イベントIDの紐付けに失敗: %w", err)
	}
	res.Linked++
	return nil
}
