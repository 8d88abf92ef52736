package model

import (
	"fmt"
	"time"
)

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInvalidDate         = "INVALID_DATE"
	ErrCodeDuplicateBooking    = "DUPLICATE_BOOKING"
	ErrCodeSlotUnavailable     = "SLOT_UNAVAILABLE"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodePartialCommit       = "PARTIAL_COMMIT"
	ErrCodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
)

// ValidationError はリクエストの欠落・不正な項目を表す。
// 副作用を一切発生させる前に返される。
type ValidationError struct {
	Field   string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError はValidationErrorを生成する。
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InvalidDateError は存在しない暦日（2月30日など）を表す。
type InvalidDateError struct {
	Input string
}

// Error はerrorインターフェースを実装する。
func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("invalid calendar date: %q", e.Input)
}

// DuplicateBookingError は (email, 開始時刻) の一意制約違反を表す。
// ストア固有のエラーコードはリポジトリ層でこの型に変換される。
type DuplicateBookingError struct {
	ContactEmail string
	Start        time.Time
}

// Error はerrorインターフェースを実装する。
func (e *DuplicateBookingError) Error() string {
	return fmt.Sprintf("duplicate booking for %s at %s", e.ContactEmail, e.Start.UTC().Format(time.RFC3339))
}

// SlotUnavailableError は要求された時間帯が既に埋まっていることを表す。
type SlotUnavailableError struct {
	Start time.Time
}

// Error はerrorインターフェースを実装する。
func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot at %s is not available", e.Start.UTC().Format(time.RFC3339))
}

// UpstreamUnavailableError は外部カレンダープロバイダーへの到達不能・エラー・タイムアウトを表す。
// 「競合なし」として扱ってはならない。
type UpstreamUnavailableError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("calendar provider unavailable (%s)", e.Op)
	}
	return fmt.Sprintf("calendar provider unavailable (%s): %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// PartialCommitError は二重書き込みの片側のみが成功したことを表す。
// 自動ロールバックは行わないため、手動照合に必要な情報を保持する。
type PartialCommitError struct {
	BookingID    string
	EventID      string
	EventCreated bool
	RecordStored bool
	Err          error
}

// Error はerrorインターフェースを実装する。
func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit for booking %s (event_created=%t, record_stored=%t): %v",
		e.BookingID, e.EventCreated, e.RecordStored, e.Err)
}

// Unwrap は失敗した側のエラーを返す。
func (e *PartialCommitError) Unwrap() error {
	return e.Err
}

// IdempotencyConflictError は同じIdempotency-Keyのリクエストが処理中であることを表す。
type IdempotencyConflictError struct {
	Key string
}

// Error はerrorインターフェースを実装する。
func (e *IdempotencyConflictError) Error() string {
	return "a request with the same idempotency key is still in progress"
}
