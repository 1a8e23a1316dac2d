package reliability

import (
	"testing"
	"time"
)

func TestClassifyTimeBucket(t *testing.T) {
	monday := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want TimeBucket
	}{
		{
			name: "monday 06:00 opens the am peak",
			at:   monday.Add(6 * time.Hour),
			want: BucketWeekdayAMPeak,
		},
		{
			name: "monday 08:59 still am peak",
			at:   monday.Add(8*time.Hour + 59*time.Minute),
			want: BucketWeekdayAMPeak,
		},
		{
			name: "monday 09:00 is offpeak",
			at:   monday.Add(9 * time.Hour),
			want: BucketWeekdayOffpeak,
		},
		{
			name: "monday 15:00 opens the pm peak",
			at:   monday.Add(15 * time.Hour),
			want: BucketWeekdayPMPeak,
		},
		{
			name: "monday 18:59 still pm peak",
			at:   monday.Add(18*time.Hour + 59*time.Minute),
			want: BucketWeekdayPMPeak,
		},
		{
			name: "monday 19:00 is offpeak",
			at:   monday.Add(19 * time.Hour),
			want: BucketWeekdayOffpeak,
		},
		{
			name: "monday early morning is offpeak",
			at:   monday.Add(3 * time.Hour),
			want: BucketWeekdayOffpeak,
		},
		{
			name: "saturday mid morning is weekend",
			at:   saturday.Add(10 * time.Hour),
			want: BucketWeekend,
		},
		{
			name: "saturday rush hour is still weekend",
			at:   saturday.Add(8 * time.Hour),
			want: BucketWeekend,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyTimeBucket(tt.at); got != tt.want {
				t.Errorf("ClassifyTimeBucket(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

// Sweep a full week hour by hour: the classifier is total and the bucket
// depends only on weekday and hour.
func TestClassifyTimeBucket_fullWeek(t *testing.T) {
	start := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC) // a monday
	for day := 0; day < 7; day++ {
		for hour := 0; hour < 24; hour++ {
			at := start.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)

			var want TimeBucket
			switch {
			case at.Weekday() == time.Saturday || at.Weekday() == time.Sunday:
				want = BucketWeekend
			case hour >= 6 && hour < 9:
				want = BucketWeekdayAMPeak
			case hour >= 15 && hour < 19:
				want = BucketWeekdayPMPeak
			default:
				want = BucketWeekdayOffpeak
			}

			got := ClassifyTimeBucket(at)
			if got != want {
				t.Fatalf("ClassifyTimeBucket(%v) = %v, want %v", at, got, want)
			}
			if again := ClassifyTimeBucket(at); again != got {
				t.Fatalf("ClassifyTimeBucket(%v) not deterministic: %v then %v", at, got, again)
			}
		}
	}
}
