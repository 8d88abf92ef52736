// Package slot は固定の予約枠カタログと運用タイムゾーンでの時刻変換を提供する。
// 日付と時刻の変換はすべてこのパッケージに集約し、呼び出し元のローカルタイムゾーンには依存しない。
package slot

import (
	"fmt"
	"time"
	_ "time/tzdata" // ホストのzoneinfoに依存しない

	"github.com/hitoshi/slotbook/internal/model"
)

const (
	// DefaultTimezone はコンサルタントの運用タイムゾーン。
	DefaultTimezone = "America/Chicago"

	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// catalogue は毎日共通の予約開始時刻（07:00〜13:00、1時間刻み）。
var catalogue = []model.TimeSlot{
	{Hour: 7}, {Hour: 8}, {Hour: 9}, {Hour: 10}, {Hour: 11}, {Hour: 12}, {Hour: 13},
}

// Catalogue は予約枠のカタログを返す。
// 日付にかかわらず同じ順序の同じ列を返す。呼び出し元が変更しても影響しないようコピーを返す。
func Catalogue() []model.TimeSlot {
	out := make([]model.TimeSlot, len(catalogue))
	copy(out, catalogue)
	return out
}

// InCatalogue はsがカタログに含まれるかどうかを返す。
func InCatalogue(s model.TimeSlot) bool {
	for _, c := range catalogue {
		if c == s {
			return true
		}
	}
	return false
}

// Model は運用タイムゾーンを保持し、暦日と予約枠をUTC時刻に変換する。
type Model struct {
	loc *time.Location
}

// NewModel は指定タイムゾーン名のModelを生成する。
// 空文字列の場合はDefaultTimezoneを使用する。
func NewModel(timezone string) (*Model, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("タイムゾーンの読み込みに失敗しました: %w", err)
	}
	return &Model{loc: loc}, nil
}

// Location は運用タイムゾーンを返す。
func (m *Model) Location() *time.Location {
	return m.loc
}

// ToUTC は暦日と予約枠を運用タイムゾーンで結合し、UTC時刻を返す。
// 存在しない暦日の場合はInvalidDateErrorを返す。
func (m *Model) ToUTC(d model.Date, s model.TimeSlot) (time.Time, error) {
	if !Valid(d) {
		return time.Time{}, &model.InvalidDateError{Input: d.String()}
	}
	local := time.Date(d.Year, d.Month, d.Day, s.Hour, s.Minute, 0, 0, m.loc)
	return local.UTC(), nil
}

// FromUTC はUTC時刻を運用タイムゾーンの暦日と時刻に変換する。
// ToUTCの逆変換。
func (m *Model) FromUTC(t time.Time) (model.Date, model.TimeSlot) {
	local := t.In(m.loc)
	return model.Date{Year: local.Year(), Month: local.Month(), Day: local.Day()},
		model.TimeSlot{Hour: local.Hour(), Minute: local.Minute()}
}

// DayBounds は運用タイムゾーンにおける暦日dの [開始, 終了) をUTCで返す。
func (m *Model) DayBounds(d model.Date) (time.Time, time.Time, error) {
	if !Valid(d) {
		return time.Time{}, time.Time{}, &model.InvalidDateError{Input: d.String()}
	}
	start := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, m.loc)
	end := time.Date(d.Year, d.Month, d.Day+1, 0, 0, 0, 0, m.loc)
	return start.UTC(), end.UTC(), nil
}

// Today は時刻nowが運用タイムゾーンで属する暦日を返す。
func (m *Model) Today(now time.Time) model.Date {
	d, _ := m.FromUTC(now)
	return d
}

// Valid は暦日として実在するかどうかを返す。
func Valid(d model.Date) bool {
	if d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	return t.Year() == d.Year && t.Month() == d.Month && t.Day() == d.Day
}

// ParseDate は "YYYY-MM-DD" 形式の文字列を暦日に変換する。
func ParseDate(s string) (model.Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return model.Date{}, &model.InvalidDateError{Input: s}
	}
	return model.Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// ParseTimeSlot は "HH:MM" 形式の文字列を予約枠に変換する。
// カタログに存在しない時刻はエラーになる。
func ParseTimeSlot(s string) (model.TimeSlot, error) {
	// "15" は1桁の時も受け付けるため長さも検査する。
	t, err := time.Parse(timeLayout, s)
	if err != nil || len(s) != len(timeLayout) {
		return model.TimeSlot{}, model.NewValidationError("time", "time must be formatted as HH:MM")
	}
	ts := model.TimeSlot{Hour: t.Hour(), Minute: t.Minute()}
	if !InCatalogue(ts) {
		return model.TimeSlot{}, model.NewValidationError("time", fmt.Sprintf("%s is not an offered time slot", s))
	}
	return ts, nil
}
