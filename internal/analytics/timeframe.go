package analytics

import "time"

// BucketUnit is the granularity used to group a time series for charting.
type BucketUnit string

const (
	BucketHour BucketUnit = "hour"
	BucketDay  BucketUnit = "day"
)

// DefaultTimeframe is applied whenever a timeframe token is missing or
// unrecognized. The historical call sites disagreed between 1d, 7d and 24h;
// every path now resolves to 1d.
const DefaultTimeframe = "1d"

const (
	bucketHourFormat = "2006-01-02 15:00"
	bucketDayFormat  = "2006-01-02"
)

var timeframeDurations = map[string]time.Duration{
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"1d":  24 * time.Hour,
	"2d":  2 * 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"14d": 14 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// Window is a resolved timeframe: an absolute start boundary plus the bucketing
// granularity to use when charting the interval.
type Window struct {
	Token        string
	Start        int64
	BucketUnit   BucketUnit
	BucketFormat string
}

// ResolveWindow maps a symbolic timeframe token to a window ending now.
func ResolveWindow(token string) Window {
	return ResolveWindowAt(token, "", time.Now())
}

// ResolveWindowOverride is ResolveWindow with an explicit bucket override
// ("hour" or "day"); any other override value keeps the token's own granularity.
func ResolveWindowOverride(token, bucket string) Window {
	return ResolveWindowAt(token, bucket, time.Now())
}

// ResolveWindowAt resolves a token against a fixed clock.
func ResolveWindowAt(token, bucket string, now time.Time) Window {
	duration, ok := timeframeDurations[token]
	if !ok {
		token = DefaultTimeframe
		duration = timeframeDurations[token]
	}

	unit := BucketDay
	if duration <= 24*time.Hour {
		unit = BucketHour
	}
	switch bucket {
	case string(BucketHour):
		unit = BucketHour
	case string(BucketDay):
		unit = BucketDay
	}

	format := bucketDayFormat
	if unit == BucketHour {
		format = bucketHourFormat
	}

	return Window{
		Token:        token,
		Start:        now.Add(-duration).Unix(),
		BucketUnit:   unit,
		BucketFormat: format,
	}
}
