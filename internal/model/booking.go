// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// BookingDurationMinutes は1件の相談予約の所要時間（分）。
// このサービスでは固定値。
const BookingDurationMinutes = 45

// BookingDuration はBookingDurationMinutesをtime.Durationで表したもの。
const BookingDuration = BookingDurationMinutes * time.Minute

// TimeSlot は1日の中で提供される予約開始時刻を表す。
// 時刻は運用タイムゾーン（コンサルタントの所在地）基準で解釈する。
type TimeSlot struct {
	Hour   int
	Minute int
}

// String は "HH:MM" 形式の文字列を返す。
func (s TimeSlot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// Date はタイムゾーンを持たない暦日を表す。
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// String は "YYYY-MM-DD" 形式の文字列を返す。
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// AddDays はn日後の暦日を返す。
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Before はdがotherより前の日付かどうかを返す。
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// BusyInterval は予約不可の時間帯を表す半開区間 [Start, End)。
// 取得元にかかわらず常にUTCで保持する。Start < End を不変条件とする。
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// Overlaps は半開区間 [start, end) と重なるかどうかを返す。
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}

// BookingMetadata は予約フォームの任意項目。
type BookingMetadata struct {
	Company string
	Phone   string
	Reason  string
	Notes   string
}

// BookingRequest はUIから送信された予約リクエスト。
// 予約トランザクションで検証され、ConfirmedBookingになるか拒否される。
type BookingRequest struct {
	ContactEmail    string
	ContactName     string
	Date            Date
	Slot            TimeSlot
	DurationMinutes int
	Metadata        BookingMetadata
}

// ConfirmedBooking は確定した予約。
// (ContactEmail, ScheduledStartUTC) の組はストア上で一意。
// 作成後に変更されるのはCalendarEventIDの紐付けのみ。
type ConfirmedBooking struct {
	ID                string
	ContactEmail      string
	ContactName       string
	ScheduledStartUTC time.Time
	ScheduledEndUTC   time.Time
	CreatedAtUTC      time.Time
	CalendarEventID   string
	Metadata          BookingMetadata
}

// Interval は予約の時間帯をBusyIntervalとして返す。
func (b *ConfirmedBooking) Interval() BusyInterval {
	return BusyInterval{Start: b.ScheduledStartUTC, End: b.ScheduledEndUTC}
}

// CalendarEvent は外部カレンダーに作成されたイベント。
type CalendarEvent struct {
	ID      string
	Summary string
	Start   time.Time
	End     time.Time
	Link    string
}

// BookingResult は予約トランザクションの成功結果。
// 確定予約と、作成された外部カレンダーイベントの組。
type BookingResult struct {
	Booking *ConfirmedBooking
	Event   *CalendarEvent
}
