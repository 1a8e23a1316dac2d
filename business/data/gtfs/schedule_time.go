package gtfs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseHMS parses a gtfs "HH:MM:SS" time into seconds past midnight of the
// service day. Hours may exceed 23 for trips continuing past midnight
// (25:35:00 is 1:35AM the next day). Surrounding whitespace is tolerated and
// fields past the third are ignored. Malformed input yields 0.
func ParseHMS(s string) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 3 {
		return 0
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	seconds, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0
	}
	return (hours * 60 * 60) + (minutes * 60) + seconds
}

// ValidHMS reports whether ParseHMS would read s as a real schedule time
// rather than falling back to zero.
func ValidHMS(s string) bool {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 3 {
		return false
	}
	for _, part := range parts[:3] {
		if _, err := strconv.Atoi(part); err != nil {
			return false
		}
	}
	return true
}

// FormatHMS renders seconds past midnight in the zero padded "HH:MM:SS" form
// ParseHMS accepts. Hours are not wrapped at 24.
func FormatHMS(sec int) string {
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}

// SecondsOfDay returns the seconds elapsed since midnight of t in t's
// location.
func SecondsOfDay(t time.Time) int {
	return (t.Hour() * 60 * 60) + (t.Minute() * 60) + t.Second()
}

// ServiceDate renders t as the YYYYMMDD service date form used by
// Trip.ServiceID.
func ServiceDate(t time.Time) string {
	return t.Format("20060102")
}

// ParseServiceDate parses a YYYYMMDD service date.
func ParseServiceDate(s string) (time.Time, error) {
	return time.Parse("20060102", s)
}
