package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/slotbook/internal/model"
	"github.com/hitoshi/slotbook/internal/slot"
)

// mockBusy はBusySourceのモック。
type mockBusy struct {
	busyFn func(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error)
}

func (m *mockBusy) Busy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
	return m.busyFn(ctx, start, end)
}

func staticBusy(intervals ...model.BusyInterval) *mockBusy {
	return &mockBusy{busyFn: func(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
		return intervals, nil
	}}
}

func newTestEngine(t *testing.T, busy BusySource) *Engine {
	t.Helper()
	m, err := slot.NewModel(slot.DefaultTimezone)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return NewEngine(m, busy, 0)
}

var june2 = model.Date{Year: 2025, Month: time.June, Day: 2}

func slotStrings(slots []model.TimeSlot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.String()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// 外部予定 08:00-09:00 CDT がある日に08:00枠だけが除外されることを検証
func TestCompute_ChicagoScenario(t *testing.T) {
	busy := model.BusyInterval{
		Start: time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
	}
	e := newTestEngine(t, staticBusy(busy))
	now := time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)

	got, err := e.Compute(context.Background(), june2, june2, now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	want := []string{"07:00", "09:00", "10:00", "11:00", "12:00", "13:00"}
	if !equalStrings(slotStrings(got[june2]), want) {
		t.Errorf("slots = %v, want %v", slotStrings(got[june2]), want)
	}
}

// 開始時刻がnowより前の枠が返らないことを検証
func TestCompute_ExcludesPastSlots(t *testing.T) {
	e := newTestEngine(t, staticBusy())
	// 10:30 CDT
	now := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)

	got, err := e.Compute(context.Background(), june2, june2, now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	want := []string{"11:00", "12:00", "13:00"}
	if !equalStrings(slotStrings(got[june2]), want) {
		t.Errorf("slots = %v, want %v", slotStrings(got[june2]), want)
	}
	for _, s := range got[june2] {
		start, _ := e.slots.ToUTC(june2, s)
		if start.Before(now) {
			t.Errorf("slot %s starts before now", s)
		}
	}
}

// nowちょうどに始まる枠は予約可能
func TestCompute_SlotStartingAtNowIsAvailable(t *testing.T) {
	e := newTestEngine(t, staticBusy())
	now := time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC) // 12:00 CDT

	got, err := e.Compute(context.Background(), june2, june2, now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := []string{"12:00", "13:00"}
	if !equalStrings(slotStrings(got[june2]), want) {
		t.Errorf("slots = %v, want %v", slotStrings(got[june2]), want)
	}
}

// 予約不可時間帯と重なる枠が返らないことを検証
func TestCompute_ExcludesBusyOverlaps(t *testing.T) {
	busy := []model.BusyInterval{
		// 09:30-09:40 CDT は09:00枠（09:00-09:45）と重なる
		{Start: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC), End: time.Date(2025, 6, 2, 14, 40, 0, 0, time.UTC)},
		// 10:45-11:00 CDT は10:00枠の終了と隣接するだけで重ならない
		{Start: time.Date(2025, 6, 2, 15, 45, 0, 0, time.UTC), End: time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)},
		// 12:50-13:10 CDT は13:00枠と重なる
		{Start: time.Date(2025, 6, 2, 17, 50, 0, 0, time.UTC), End: time.Date(2025, 6, 2, 18, 10, 0, 0, time.UTC)},
	}
	e := newTestEngine(t, staticBusy(busy...))
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	got, err := e.Compute(context.Background(), june2, june2, now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	want := []string{"07:00", "08:00", "10:00", "11:00", "12:00"}
	if !equalStrings(slotStrings(got[june2]), want) {
		t.Errorf("slots = %v, want %v", slotStrings(got[june2]), want)
	}

	for _, s := range got[june2] {
		start, _ := e.slots.ToUTC(june2, s)
		end := start.Add(model.BookingDuration)
		for _, b := range busy {
			if b.Overlaps(start, end) {
				t.Errorf("slot %s overlaps busy %v", s, b)
			}
		}
	}
}

// 全枠が埋まっている日も空スライスで含まれることを検証
func TestCompute_EveryDayPresent(t *testing.T) {
	allDay := model.BusyInterval{
		Start: time.Date(2025, 6, 3, 5, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 4, 5, 0, 0, 0, time.UTC),
	}
	e := newTestEngine(t, staticBusy(allDay))
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := june2.AddDays(2)

	got, err := e.Compute(context.Background(), june2, to, now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	june3 := june2.AddDays(1)
	slots, ok := got[june3]
	if !ok {
		t.Fatal("2025-06-03 missing from result")
	}
	if slots == nil || len(slots) != 0 {
		t.Errorf("2025-06-03 slots = %v, want empty non-nil slice", slots)
	}
	if len(got[to]) != len(slot.Catalogue()) {
		t.Errorf("2025-06-04 slots = %d, want %d", len(got[to]), len(slot.Catalogue()))
	}
}

// 外部カレンダー障害時は空き枠を返さずエラーにする
func TestCompute_FailsClosedOnUpstreamFailure(t *testing.T) {
	e := newTestEngine(t, &mockBusy{busyFn: func(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
		return nil, &model.UpstreamUnavailableError{Op: "freebusy", Err: errors.New("timeout")}
	}})

	got, err := e.Compute(context.Background(), june2, june2, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	var upstream *model.UpstreamUnavailableError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
	if got != nil {
		t.Errorf("Compute returned %v on failure", got)
	}
}

// 範囲全体のUTC境界で一度だけ予約不可時間帯を取得することを検証
func TestDays_QueriesWholeRangeOnce(t *testing.T) {
	var calls int
	var gotStart, gotEnd time.Time
	e := newTestEngine(t, &mockBusy{busyFn: func(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
		calls++
		gotStart, gotEnd = start, end
		return nil, nil
	}})

	days, err := e.Days(context.Background(), june2, june2.AddDays(6), time.Time{})
	if err != nil {
		t.Fatalf("Days failed: %v", err)
	}
	if len(days) != 7 {
		t.Fatalf("len = %d, want 7", len(days))
	}
	if days[0].Date != june2 || days[6].Date != june2.AddDays(6) {
		t.Errorf("days not ordered: first=%v last=%v", days[0].Date, days[6].Date)
	}
	if calls != 1 {
		t.Errorf("busy calls = %d, want 1", calls)
	}
	if !gotStart.Equal(time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", gotStart)
	}
	if !gotEnd.Equal(time.Date(2025, 6, 9, 5, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", gotEnd)
	}
}

func TestCompute_RangeValidation(t *testing.T) {
	m, _ := slot.NewModel(slot.DefaultTimezone)
	e := NewEngine(m, staticBusy(), 7)

	tests := []struct {
		name     string
		from, to model.Date
		wantType string
	}{
		{name: "終了日が開始日より前", from: june2, to: june2.AddDays(-1), wantType: "validation"},
		{name: "上限日数を超える", from: june2, to: june2.AddDays(7), wantType: "validation"},
		{name: "存在しない日付", from: model.Date{Year: 2025, Month: time.February, Day: 30}, to: june2, wantType: "date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Compute(context.Background(), tt.from, tt.to, time.Time{})
			switch tt.wantType {
			case "validation":
				var ve *model.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected ValidationError, got %v", err)
				}
			case "date":
				var de *model.InvalidDateError
				if !errors.As(err, &de) {
					t.Errorf("expected InvalidDateError, got %v", err)
				}
			}
		})
	}

	if _, err := e.Compute(context.Background(), june2, june2.AddDays(6), time.Time{}); err != nil {
		t.Errorf("7-day range should be accepted: %v", err)
	}
}

func TestCheckSlot(t *testing.T) {
	busy := model.BusyInterval{
		Start: time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
	}
	e := newTestEngine(t, staticBusy(busy))

	start := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	err := e.CheckSlot(context.Background(), start, start.Add(model.BookingDuration))
	var su *model.SlotUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected SlotUnavailableError, got %v", err)
	}

	free := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	if err := e.CheckSlot(context.Background(), free, free.Add(model.BookingDuration)); err != nil {
		t.Errorf("CheckSlot for free slot failed: %v", err)
	}
}
