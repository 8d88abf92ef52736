// Package availability は予約枠ごとの空き状況を計算する。
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/slotbook/internal/model"
	"github.com/hitoshi/slotbook/internal/slot"
)

// DefaultMaxRangeDays は1回の計算で扱える最大日数のデフォルト値。
const DefaultMaxRangeDays = 62

// BusySource は統合済みの予約不可時間帯を提供するインターフェース。
type BusySource interface {
	Busy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error)
}

// DayAvailability は1日分の予約可能枠。
type DayAvailability struct {
	Date  model.Date
	Slots []model.TimeSlot
}

// Engine は空き状況の計算エンジン。
// 外部カレンダーが利用できない場合は計算を中止する（ローカル予約のみでの縮退運転はしない）。
type Engine struct {
	slots        *slot.Model
	busy         BusySource
	maxRangeDays int
}

// NewEngine はEngineを生成する。maxRangeDaysが0以下の場合はDefaultMaxRangeDaysを使用する。
func NewEngine(slots *slot.Model, busy BusySource, maxRangeDays int) *Engine {
	if maxRangeDays <= 0 {
		maxRangeDays = DefaultMaxRangeDays
	}
	return &Engine{slots: slots, busy: busy, maxRangeDays: maxRangeDays}
}

// Compute は [from, to] の各日について予約可能な枠を返す。
// 予約可能枠が0件の日も空スライスで含める。
func (e *Engine) Compute(ctx context.Context, from, to model.Date, now time.Time) (map[model.Date][]model.TimeSlot, error) {
	days, err := e.Days(ctx, from, to, now)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Date][]model.TimeSlot, len(days))
	for _, d := range days {
		out[d.Date] = d.Slots
	}
	return out, nil
}

// Days はComputeと同じ結果を日付順のスライスで返す。
func (e *Engine) Days(ctx context.Context, from, to model.Date, now time.Time) ([]DayAvailability, error) {
	dates, err := e.dateRange(from, to)
	if err != nil {
		return nil, err
	}

	rangeStart, _, err := e.slots.DayBounds(from)
	if err != nil {
		return nil, err
	}
	_, rangeEnd, err := e.slots.DayBounds(to)
	if err != nil {
		return nil, err
	}

	busy, err := e.busy.Busy(ctx, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	catalogue := slot.Catalogue()
	days := make([]DayAvailability, 0, len(dates))
	for _, d := range dates {
		available := make([]model.TimeSlot, 0, len(catalogue))
		for _, s := range catalogue {
			start, err := e.slots.ToUTC(d, s)
			if err != nil {
				return nil, err
			}
			if start.Before(now) {
				continue
			}
			if overlapsAny(busy, start, start.Add(model.BookingDuration)) {
				continue
			}
			available = append(available, s)
		}
		days = append(days, DayAvailability{Date: d, Slots: available})
	}
	return days, nil
}

// CheckSlot は [start, end) が予約可能かどうかを確認する。
// 埋まっている場合は *model.SlotUnavailableError を返す。
func (e *Engine) CheckSlot(ctx context.Context, start, end time.Time) error {
	busy, err := e.busy.Busy(ctx, start, end)
	if err != nil {
		return err
	}
	if overlapsAny(busy, start, end) {
		return &model.SlotUnavailableError{Start: start}
	}
	return nil
}

// Location は運用タイムゾーンを返す。
func (e *Engine) Location() *time.Location {
	return e.slots.Location()
}

func (e *Engine) dateRange(from, to model.Date) ([]model.Date, error) {
	if !slot.Valid(from) {
		return nil, &model.InvalidDateError{Input: from.String()}
	}
	if !slot.Valid(to) {
		return nil, &model.InvalidDateError{Input: to.String()}
	}
	if to.Before(from) {
		return nil, model.NewValidationError("to", "end date must not be before start date")
	}

	var dates []model.Date
	for d := from; !to.Before(d); d = d.AddDays(1) {
		if len(dates) == e.maxRangeDays {
			return nil, model.NewValidationError("to", fmt.Sprintf("date range must not exceed %d days", e.maxRangeDays))
		}
		dates = append(dates, d)
	}
	return dates, nil
}

func overlapsAny(busy []model.BusyInterval, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}
