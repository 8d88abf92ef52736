package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/slotbook/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

const bookingColumns = `id, contact_email, contact_name, company, phone, reason, notes,
		scheduled_start, scheduled_end, calendar_event_id, created_at`

// PostgresBookingRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresBookingRepo struct {
	db *sql.DB
}

// NewPostgresBookingRepo はPostgresBookingRepoを生成する。
func NewPostgresBookingRepo(db *sql.DB) *PostgresBookingRepo {
	return &PostgresBookingRepo{db: db}
}

// Create は確定予約を作成する。
// 一意制約 (contact_email, scheduled_start) に違反した場合は *model.DuplicateBookingError を返す。
func (r *PostgresBookingRepo) Create(ctx context.Context, b *model.ConfirmedBooking) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.ContactEmail, b.ContactName,
		b.Metadata.Company, b.Metadata.Phone, b.Metadata.Reason, b.Metadata.Notes,
		b.ScheduledStartUTC, b.ScheduledEndUTC, b.CalendarEventID, b.CreatedAtUTC,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return &model.DuplicateBookingError{ContactEmail: b.ContactEmail, Start: b.ScheduledStartUTC}
		}
		return fmt.Errorf("予約の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
func (r *PostgresBookingRepo) FindByID(ctx context.Context, id string) (*model.ConfirmedBooking, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`,
		id,
	)
	b, err := scanPostgresBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	return b, nil
}

// ListOverlapping は [start, end) と時間帯が重なる予約を開始時刻順に返す。
func (r *PostgresBookingRepo) ListOverlapping(ctx context.Context, start, end time.Time) ([]*model.ConfirmedBooking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE scheduled_start < $2 AND scheduled_end > $1
		 ORDER BY scheduled_start ASC`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("期間内の予約一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var bookings []*model.ConfirmedBooking
	for rows.Next() {
		b, err := scanPostgresBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("予約行の読み取りに失敗しました: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("予約一覧の走査に失敗しました: %w", err)
	}
	return bookings, nil
}

// SetCalendarEventID は外部カレンダーのイベントIDを予約に紐付ける。
func (r *PostgresBookingRepo) SetCalendarEventID(ctx context.Context, id, eventID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET calendar_event_id = $2 WHERE id = $1`,
		id, eventID,
	)
	if err != nil {
		return fmt.Errorf("イベントIDの紐付けに失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("予約が見つかりません: %s", id)
	}
	return nil
}

// ListUnlinked はcreatedBefore以前に作成され、イベントIDが未設定の予約を (created_at, id) 順に返す。
// (afterCreated, afterID) より後の行だけを返す。ゼロ値なら先頭から。
func (r *PostgresBookingRepo) ListUnlinked(ctx context.Context, createdBefore, afterCreated time.Time, afterID string, limit int) ([]*model.ConfirmedBooking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE calendar_event_id = '' AND created_at < $1
		   AND (created_at, id::text) > ($2, $3)
		 ORDER BY created_at ASC, id::text ASC
		 LIMIT $4`,
		createdBefore.UTC(), afterCreated.UTC(), afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("未紐付け予約の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var bookings []*model.ConfirmedBooking
	for rows.Next() {
		b, err := scanPostgresBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("予約行の読み取りに失敗しました: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未紐付け予約の走査に失敗しました: %w", err)
	}
	return bookings, nil
}

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresBooking(s rowScanner) (*model.ConfirmedBooking, error) {
	b := &model.ConfirmedBooking{}
	err := s.Scan(
		&b.ID, &b.ContactEmail, &b.ContactName,
		&b.Metadata.Company, &b.Metadata.Phone, &b.Metadata.Reason, &b.Metadata.Notes,
		&b.ScheduledStartUTC, &b.ScheduledEndUTC, &b.CalendarEventID, &b.CreatedAtUTC,
	)
	if err != nil {
		return nil, err
	}
	b.ScheduledStartUTC = b.ScheduledStartUTC.UTC()
	b.ScheduledEndUTC = b.ScheduledEndUTC.UTC()
	b.CreatedAtUTC = b.CreatedAtUTC.UTC()
	return b, nil
}

// isPostgresUniqueViolation はエラーが一意制約違反かどうかを判定する。
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// compile-time interface check
var _ BookingRepository = (*PostgresBookingRepo)(nil)
