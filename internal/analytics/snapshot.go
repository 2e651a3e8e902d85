package analytics

import (
	"sort"
	"time"
)

// LatestPerMarket picks, per market, the snapshot with the maximum block
// timestamp. Later input rows win timestamp ties.
func LatestPerMarket(snapshots []MarketSnapshot) map[int64]MarketState {
	latest := make(map[int64]MarketState, len(snapshots))
	for _, s := range snapshots {
		if current, ok := latest[s.MarketID]; ok && s.BlockTimestamp < current.AsOf {
			continue
		}
		latest[s.MarketID] = MarketState{
			OpenInterest: Finite(s.OpenInterest),
			FundingRate:  Finite(s.FundingRate),
			AsOf:         s.BlockTimestamp,
		}
	}
	return latest
}

// BucketedSeries groups snapshots into the window's time buckets and keeps the
// last observed value in each bucket (not an average), ordered by bucket
// ascending. Buckets with no snapshot are omitted.
func BucketedSeries(snapshots []MarketSnapshot, window Window) []SeriesPoint {
	type bucketValue struct {
		ts           int64
		openInterest float64
	}

	buckets := make(map[int64]bucketValue)
	for _, s := range snapshots {
		if s.BlockTimestamp < window.Start {
			continue
		}
		key := truncateToBucket(s.BlockTimestamp, window.BucketUnit)
		if current, ok := buckets[key]; ok && s.BlockTimestamp < current.ts {
			continue
		}
		buckets[key] = bucketValue{ts: s.BlockTimestamp, openInterest: Finite(s.OpenInterest)}
	}

	keys := make([]int64, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	series := make([]SeriesPoint, 0, len(keys))
	for _, key := range keys {
		series = append(series, SeriesPoint{
			Bucket:       time.Unix(key, 0).UTC().Format(window.BucketFormat),
			OpenInterest: buckets[key].openInterest,
		})
	}
	return series
}

func truncateToBucket(ts int64, unit BucketUnit) int64 {
	t := time.Unix(ts, 0).UTC()
	if unit == BucketHour {
		return t.Truncate(time.Hour).Unix()
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}
