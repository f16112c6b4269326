package ops

import (
	"context"
	"time"

	"github.com/hazyhaar/catnap/store"
)

// Range is a stats window: 24h, 7d, or 30d.
type Range string

const (
	Range24h Range = "24h"
	Range7d  Range = "7d"
	Range30d Range = "30d"
)

// ParseRange validates a client-supplied range string.
func ParseRange(s string) (Range, bool) {
	switch Range(s) {
	case Range24h, Range7d, Range30d:
		return Range(s), true
	default:
		return "", false
	}
}

func (r Range) duration() time.Duration {
	switch r {
	case Range7d:
		return 7 * 24 * time.Hour
	case Range30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// buckets returns the sparkline resolution: hourly for 24h, daily for the
// longer windows.
func (r Range) buckets() (bucketSeconds int64, n int) {
	switch r {
	case Range7d:
		return 86400, 7
	case Range30d:
		return 86400, 30
	default:
		return 3600, 24
	}
}

// Stats aggregates run and notify success rates over the window ending at
// now.
func (m *Manager) Stats(ctx context.Context, r Range, now time.Time) (StatsView, error) {
	cutoff := store.FormatTS(now.Add(-r.duration()))

	runs, err := m.st.RunTotals(ctx, cutoff)
	if err != nil {
		return StatsView{}, err
	}
	out := StatsView{Collection: rateView(runs)}

	for _, ch := range []string{"telegram", "webhook"} {
		b, err := m.st.NotifyTotals(ctx, cutoff, ch)
		if err != nil {
			return StatsView{}, err
		}
		if b.Total == 0 {
			continue
		}
		v := rateView(b)
		switch ch {
		case "telegram":
			out.Notify.Telegram = &v
		case "webhook":
			out.Notify.Webhook = &v
		}
	}
	return out, nil
}

func rateView(b store.RateBucket) RateView {
	v := RateView{Total: b.Total, Success: b.Success, Failure: b.Failure}
	if b.Total > 0 {
		v.SuccessRatePct = float64(b.Success) * 100 / float64(b.Total)
	}
	return v
}

// Sparks builds the per-bucket series for the window ending at now.
func (m *Manager) Sparks(ctx context.Context, r Range, now time.Time) (SparksView, error) {
	bucketSeconds, n := r.buckets()
	cutoffT := now.Add(-r.duration())
	cutoff := store.FormatTS(cutoffT)
	cutoffSec := cutoffT.Unix()

	runTotal := make([]int64, n)
	runSuccess := make([]int64, n)
	volume := make([]int64, n)

	runRows, err := m.st.RunBuckets(ctx, cutoff, cutoffSec, bucketSeconds)
	if err != nil {
		return SparksView{}, err
	}
	for _, row := range runRows {
		if row.Bucket < 0 || row.Bucket >= int64(n) {
			continue
		}
		volume[row.Bucket] = row.Total
		runTotal[row.Bucket] = row.Total
		runSuccess[row.Bucket] = row.Success
	}

	out := SparksView{
		BucketSeconds:            bucketSeconds,
		Volume:                   volume,
		CollectionSuccessRatePct: pctSeries(runTotal, runSuccess),
	}

	for _, ch := range []string{"telegram", "webhook"} {
		total := make([]int64, n)
		success := make([]int64, n)
		rows, err := m.st.NotifyBuckets(ctx, ch, cutoff, cutoffSec, bucketSeconds)
		if err != nil {
			return SparksView{}, err
		}
		for _, row := range rows {
			if row.Bucket < 0 || row.Bucket >= int64(n) {
				continue
			}
			total[row.Bucket] = row.Total
			success[row.Bucket] = row.Success
		}
		series := pctSeries(total, success)
		switch ch {
		case "telegram":
			out.NotifyTelegramSuccessRatePct = series
		case "webhook":
			out.NotifyWebhookSuccessRatePct = series
		}
	}
	return out, nil
}

// pctSeries turns per-bucket counts into a success-rate series. Empty
// buckets repeat the previous rate so sparklines do not dip to zero in
// quiet hours; the series starts at 0 until the first populated bucket.
func pctSeries(total, success []int64) []float64 {
	out := make([]float64, len(total))
	last := 0.0
	for i := range total {
		t := total[i]
		if t <= 0 {
			out[i] = last
			continue
		}
		s := success[i]
		if s < 0 {
			s = 0
		}
		if s > t {
			s = t
		}
		last = float64(s) * 100 / float64(t)
		out[i] = last
	}
	return out
}
