// Package busy は外部カレンダーのfree/busyとローカル予約を統合した予約不可時間帯を提供する。
package busy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/slotbook/internal/model"
)

// FreeBusySource は外部カレンダーのfree/busy取得のインターフェース。
type FreeBusySource interface {
	FreeBusy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error)
}

// BookingLister は期間内のローカル予約取得のインターフェース。
type BookingLister interface {
	ListOverlapping(ctx context.Context, start, end time.Time) ([]*model.ConfirmedBooking, error)
}

// Aggregator は2つのソースの予約不可時間帯を統合する。
type Aggregator struct {
	external FreeBusySource
	local    BookingLister
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(external FreeBusySource, local BookingLister) *Aggregator {
	return &Aggregator{external: external, local: local}
}

// FetchExternalBusy は外部カレンダーの予約不可時間帯を取得する。
// 失敗は必ず UpstreamUnavailableError として返し、「予定なし」とは扱わない。
func (a *Aggregator) FetchExternalBusy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
	intervals, err := a.external.FreeBusy(ctx, start, end)
	if err != nil {
		var upstream *model.UpstreamUnavailableError
		if errors.As(err, &upstream) {
			return nil, err
		}
		return nil, &model.UpstreamUnavailableError{Op: "freebusy", Err: err}
	}
	return normalize(intervals), nil
}

// FetchLocalBusy は期間と重なるローカル予約を時間帯に変換して返す。
func (a *Aggregator) FetchLocalBusy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
	bookings, err := a.local.ListOverlapping(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("ローカル予約の取得に失敗しました: %w", err)
	}
	intervals := make([]model.BusyInterval, 0, len(bookings))
	for _, b := range bookings {
		intervals = append(intervals, b.Interval())
	}
	return normalize(intervals), nil
}

// Busy は両ソースを並行に取得し、統合した予約不可時間帯を返す。
// どちらかが失敗した場合は部分的な結果を返さない。
func (a *Aggregator) Busy(ctx context.Context, start, end time.Time) ([]model.BusyInterval, error) {
	var external, local []model.BusyInterval

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		external, err = a.FetchExternalBusy(gctx, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		local, err = a.FetchLocalBusy(gctx, start, end)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Merge(external, local), nil
}

// Merge は2つの時間帯列の和集合を返す。
// 重なる・隣接する区間は結合し、開始時刻順に並べる。
func Merge(a, b []model.BusyInterval) []model.BusyInterval {
	all := make([]model.BusyInterval, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	if len(all) == 0 {
		return []model.BusyInterval{}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Start.Before(all[j].Start)
	})

	merged := []model.BusyInterval{all[0]}
	for _, iv := range all[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// normalize はUTCに揃え、Start >= End の不正な区間を除外する。
func normalize(intervals []model.BusyInterval) []model.BusyInterval {
	out := make([]model.BusyInterval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.Start.Before(iv.End) {
			continue
		}
		out = append(out, model.BusyInterval{Start: iv.Start.UTC(), End: iv.End.UTC()})
	}
	return out
}
