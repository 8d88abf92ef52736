package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hitoshi/slotbook/internal/model"
)

// sqliteTimeLayout はSQLiteに時刻を保存する際の固定長UTC形式。
// 固定長のため文字列比較が時刻の大小比較と一致する。
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteBookingRepo はSQLiteを使用した予約リポジトリ。
// ローカル開発とテストで使用する。
type SQLiteBookingRepo struct {
	db *sql.DB
}

// NewSQLiteBookingRepo はSQLiteBookingRepoを生成する。
func NewSQLiteBookingRepo(db *sql.DB) *SQLiteBookingRepo {
	return &SQLiteBookingRepo{db: db}
}

// Create は確定予約を作成する。
// 一意制約 (contact_email, scheduled_start) に違反した場合は *model.DuplicateBookingError を返す。
func (r *SQLiteBookingRepo) Create(ctx context.Context, b *model.ConfirmedBooking) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ContactEmail, b.ContactName,
		b.Metadata.Company, b.Metadata.Phone, b.Metadata.Reason, b.Metadata.Notes,
		formatSQLiteTime(b.ScheduledStartUTC), formatSQLiteTime(b.ScheduledEndUTC),
		b.CalendarEventID, formatSQLiteTime(b.CreatedAtUTC),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return &model.DuplicateBookingError{ContactEmail: b.ContactEmail, Start: b.ScheduledStartUTC}
		}
		return fmt.Errorf("予約の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
func (r *SQLiteBookingRepo) FindByID(ctx context.Context, id string) (*model.ConfirmedBooking, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`,
		id,
	)
	b, err := scanSQLiteBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	return b, nil
}

// ListOverlapping は [start, end) と時間帯が重なる予約を開始時刻順に返す。
func (r *SQLiteBookingRepo) ListOverlapping(ctx context.Context, start, end time.Time) ([]*model.ConfirmedBooking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE scheduled_start < ? AND scheduled_end > ?
		 ORDER BY scheduled_start ASC`,
		formatSQLiteTime(end), formatSQLiteTime(start),
	)
	if err != nil {
		return nil, fmt.Errorf("期間内の予約一覧の取得に失敗しました: %w", err)
	}
	return collectSQLiteBookings(rows)
}

// SetCalendarEventID は外部カレンダーのイベントIDを予約に紐付ける。
func (r *SQLiteBookingRepo) SetCalendarEventID(ctx context.Context, id, eventID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET calendar_event_id = ? WHERE id = ?`,
		eventID, id,
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
func (r *SQLiteBookingRepo) ListUnlinked(ctx context.Context, createdBefore, afterCreated time.Time, afterID string, limit int) ([]*model.ConfirmedBooking, error) {
	after := formatSQLiteTime(afterCreated)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE calendar_event_id = '' AND created_at < ?
		   AND (created_at > ? OR (created_at = ? AND id > ?))
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		formatSQLiteTime(createdBefore), after, after, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("未紐付け予約の取得に失敗しました: %w", err)
	}
	return collectSQLiteBookings(rows)
}

func collectSQLiteBookings(rows *sql.Rows) ([]*model.ConfirmedBooking, error) {
	defer rows.Close()

	var bookings []*model.ConfirmedBooking
	for rows.Next() {
		b, err := scanSQLiteBooking(rows)
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

func scanSQLiteBooking(s rowScanner) (*model.ConfirmedBooking, error) {
	b := &model.ConfirmedBooking{}
	var start, end, created string
	err := s.Scan(
		&b.ID, &b.ContactEmail, &b.ContactName,
		&b.Metadata.Company, &b.Metadata.Phone, &b.Metadata.Reason, &b.Metadata.Notes,
		&start, &end, &b.CalendarEventID, &created,
	)
	if err != nil {
		return nil, err
	}
	if b.ScheduledStartUTC, err = parseSQLiteTime(start); err != nil {
		return nil, err
	}
	if b.ScheduledEndUTC, err = parseSQLiteTime(end); err != nil {
		return nil, err
	}
	if b.CreatedAtUTC, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	return b, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("時刻のパースに失敗しました: %q: %w", s, err)
	}
	return t.UTC(), nil
}

// isSQLiteUniqueViolation はエラーが一意制約違反かどうかを判定する。
func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	// 拡張リザルトコードが無効な接続ではプライマリコードしか得られない
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqliteErr.Error(), "UNIQUE")
}

// compile-time interface check
var _ BookingRepository = (*SQLiteBookingRepo)(nil)
