package repository

import (
	"context"
	"time"

	"github.com/hitoshi/slotbook/internal/model"
)

// BookingRepository は確定予約の永続化インターフェース。
// (contact_email, scheduled_start) の一意制約違反は *model.DuplicateBookingError として返す。
// 呼び出し側がストア固有のエラーコードを調べる必要はない。
type BookingRepository interface {
	// Create は確定予約を作成する。
	Create(ctx context.Context, booking *model.ConfirmedBooking) error

	// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ConfirmedBooking, error)

	// ListOverlapping は [start, end) と時間帯が重なる予約を開始時刻順に返す。
	ListOverlapping(ctx context.Context, start, end time.Time) ([]*model.ConfirmedBooking, error)

	// SetCalendarEventID は外部カレンダーのイベントIDを予約に紐付ける。
	SetCalendarEventID(ctx context.Context, id, eventID string) error

	// ListUnlinked はcreatedBefore以前に作成され、イベントIDが未設定の予約を返す。
	// (afterCreated, afterID) をカーソルとしたキーセットページングで、最大limit件を返す。
	ListUnlinked(ctx context.Context, createdBefore, afterCreated time.Time, afterID string, limit int) ([]*model.ConfirmedBooking, error)
}
