// Package idempotency はIdempotency-Keyによる予約リクエストの再送保護を提供する。
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/slotbook/internal/model"
)

const (
	// DefaultTTL は完了済み結果の保持期間のデフォルト値。
	DefaultTTL = 24 * time.Hour
	// pendingTTL は処理中マーカーの保持期間。プロセスが途中で停止してもキーが永久にロックされないようにする。
	pendingTTL = 2 * time.Minute

	statePending   = "pending"
	stateCompleted = "completed"
)

// Store はIdempotency-Keyの状態を保持するインターフェース。
type Store interface {
	// Begin はキーを予約する。
	// 新規キーの場合は (nil, nil) を返し、呼び出し元は処理を続行する。
	// 完了済みキーの場合は保存済みの結果を返す。
	// 処理中のキーには *model.IdempotencyConflictError を返す。
	// 異なるリクエスト内容で再利用されたキーには *model.ValidationError を返す。
	Begin(ctx context.Context, key, fingerprint string) (*model.BookingResult, error)

	// Complete は処理結果を保存する。
	Complete(ctx context.Context, key, fingerprint string, result *model.BookingResult) error

	// Release はキーの予約を解除する。失敗したリクエストの再試行を可能にする。
	Release(ctx context.Context, key string) error
}

// Fingerprint はリクエストを識別する文字列を返す。
// 同じキーで異なる内容のリクエストが送られたことを検出するために使用する。
func Fingerprint(email string, start time.Time) string {
	return email + "|" + start.UTC().Format(time.RFC3339)
}

// hashKey はクライアントが指定したキーを固定長のハッシュに変換する。
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// record は保存形式。
type record struct {
	State       string         `json:"state"`
	Fingerprint string         `json:"fingerprint"`
	Booking     *bookingRecord `json:"booking,omitempty"`
	Event       *eventRecord   `json:"event,omitempty"`
}

type bookingRecord struct {
	ID                string    `json:"id"`
	ContactEmail      string    `json:"contactEmail"`
	ContactName       string    `json:"contactName"`
	ScheduledStartUTC time.Time `json:"scheduledStart"`
	ScheduledEndUTC   time.Time `json:"scheduledEnd"`
	CreatedAtUTC      time.Time `json:"createdAt"`
	CalendarEventID   string    `json:"calendarEventId"`
	Company           string    `json:"company,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Notes             string    `json:"notes,omitempty"`
}

type eventRecord struct {
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Link    string    `json:"link,omitempty"`
}

func encodeResult(fingerprint string, result *model.BookingResult) ([]byte, error) {
	rec := record{State: stateCompleted, Fingerprint: fingerprint}
	if b := result.Booking; b != nil {
		rec.Booking = &bookingRecord{
			ID:                b.ID,
			ContactEmail:      b.ContactEmail,
			ContactName:       b.ContactName,
			ScheduledStartUTC: b.ScheduledStartUTC,
			ScheduledEndUTC:   b.ScheduledEndUTC,
			CreatedAtUTC:      b.CreatedAtUTC,
			CalendarEventID:   b.CalendarEventID,
			Company:           b.Metadata.Company,
			Phone:             b.Metadata.Phone,
			Reason:            b.Metadata.Reason,
			Notes:             b.Metadata.Notes,
		}
	}
	if e := result.Event; e != nil {
		rec.Event = &eventRecord{ID: e.ID, Summary: e.Summary, Start: e.Start, End: e.End, Link: e.Link}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("冪等性レコードのエンコードに失敗しました: %w", err)
	}
	return data, nil
}

func encodePending(fingerprint string) []byte {
	data, _ := json.Marshal(record{State: statePending, Fingerprint: fingerprint})
	return data
}

// decide は既存レコードに対するBeginの結果を決定する。
func decide(key, fingerprint string, data []byte) (*model.BookingResult, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("冪等性レコードのデコードに失敗しました: %w", err)
	}
	if rec.Fingerprint != fingerprint {
		return nil, model.NewValidationError("Idempotency-Key", "idempotency key was already used for a different booking request")
	}
	if rec.State != stateCompleted {
		return nil, &model.IdempotencyConflictError{Key: key}
	}

	result := &model.BookingResult{}
	if b := rec.Booking; b != nil {
		result.Booking = &model.ConfirmedBooking{
			ID:                b.ID,
			ContactEmail:      b.ContactEmail,
			ContactName:       b.ContactName,
			ScheduledStartUTC: b.ScheduledStartUTC.UTC(),
			ScheduledEndUTC:   b.ScheduledEndUTC.UTC(),
			CreatedAtUTC:      b.CreatedAtUTC.UTC(),
			CalendarEventID:   b.CalendarEventID,
			Metadata: model.BookingMetadata{
				Company: b.Company,
				Phone:   b.Phone,
				Reason:  b.Reason,
				Notes:   b.Notes,
			},
		}
	}
	if e := rec.Event; e != nil {
		result.Event = &model.CalendarEvent{ID: e.ID, Summary: e.Summary, Start: e.Start.UTC(), End: e.End.UTC(), Link: e.Link}
	}
	return result, nil
}
