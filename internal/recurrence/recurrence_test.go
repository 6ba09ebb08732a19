package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextOccurrence(t *testing.T) {
	tests := []struct {
		name   string
		anchor time.Time
		expr   string
		ref    time.Time
		want   time.Time
	}{
		{"no recurrence before anchor", date(2024, 3, 15), "", date(2020, 1, 1), date(2024, 3, 15)},
		{"no recurrence after anchor", date(2024, 3, 15), "", date(2030, 1, 1), date(2024, 3, 15)},
		{"yearly upcoming this year", date(2024, 3, 15), "yearly", date(2025, 1, 1), date(2025, 3, 15)},
		{"yearly passed this year", date(2024, 3, 15), "yearly", date(2025, 6, 1), date(2026, 3, 15)},
		{"yearly on the day", date(2024, 3, 15), "yearly", date(2025, 3, 15), date(2025, 3, 15)},
		{"yearly ref before anchor", date(2024, 3, 15), "annually", date(2020, 5, 1), date(2021, 3, 15)},
		{"yearly future anchor", date(2030, 3, 15), "yearly", date(2025, 1, 1), date(2025, 3, 15)},
		{"yearly rrule form", date(1990, 7, 4), "FREQ=YEARLY", date(2025, 7, 5), date(2026, 7, 4)},
		{"yearly rrule prefix", date(1990, 7, 4), "RRULE:FREQ=YEARLY;INTERVAL=1", date(2025, 1, 1), date(2025, 7, 4)},
		{"leap anchor non-leap year", date(2020, 2, 29), "yearly", date(2025, 1, 1), date(2025, 2, 28)},
		{"leap anchor leap year", date(2020, 2, 29), "yearly", date(2028, 1, 1), date(2028, 2, 29)},
		{"leap anchor after clamp", date(2020, 2, 29), "yearly", date(2025, 3, 1), date(2026, 2, 28)},
		{"monthly rrule", date(2025, 1, 10), "FREQ=MONTHLY", date(2025, 3, 11), date(2025, 4, 10)},
		{"weekly rrule", date(2025, 1, 6), "FREQ=WEEKLY;INTERVAL=2", date(2025, 1, 7), date(2025, 1, 20)},
		{"ref time of day ignored", date(2024, 3, 15), "yearly", time.Date(2025, 3, 15, 18, 30, 0, 0, time.UTC), date(2025, 3, 15)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(tt.anchor, tt.expr, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextOccurrence_Unsupported(t *testing.T) {
	for _, expr := range []string{"every other tuesday", "monthly-ish", "FREQ=HOURLY", "FREQ=SOMETIMES"} {
		t.Run(expr, func(t *testing.T) {
			_, err := NextOccurrence(date(2024, 1, 1), expr, date(2025, 1, 1))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsupportedPattern)

			var rerr *Error
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, expr, rerr.Pattern)
		})
	}
}

func TestNextOccurrence_SeriesEnded(t *testing.T) {
	_, err := NextOccurrence(date(2024, 1, 1), "FREQ=MONTHLY;COUNT=3", date(2025, 1, 1))
	assert.ErrorIs(t, err, ErrSeriesEnded)
}

func TestNextOccurrence_ZeroAnchor(t *testing.T) {
	_, err := NextOccurrence(time.Time{}, "yearly", date(2025, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidAnchor)
}

// Yearly results always land in ref's year or the next one, never before ref.
func TestNextOccurrence_YearlyProperties(t *testing.T) {
	refs := []time.Time{date(2023, 1, 1), date(2024, 2, 29), date(2025, 6, 30), date(2025, 12, 31)}
	for month := time.January; month <= time.December; month++ {
		for _, day := range []int{1, 15, 28} {
			anchor := date(2000, month, day)
			for _, ref := range refs {
				got, err := NextOccurrence(anchor, "yearly", ref)
				require.NoError(t, err)

				assert.False(t, got.Before(ref), "anchor %s ref %s got %s", anchor, ref, got)
				assert.Equal(t, anchor.Month(), got.Month())
				assert.Equal(t, anchor.Day(), got.Day())

				thisYear := date(ref.Year(), month, day)
				if thisYear.Before(ref) {
					assert.Equal(t, ref.Year()+1, got.Year())
				} else {
					assert.Equal(t, ref.Year(), got.Year())
				}

				again, err := NextOccurrence(anchor, "yearly", ref)
				require.NoError(t, err)
				assert.Equal(t, got, again)
			}
		}
	}
}

func TestParse(t *testing.T) {
	p, err := Parse("  ")
	require.NoError(t, err)
	assert.True(t, p.IsNone())

	p, err = Parse("Yearly")
	require.NoError(t, err)
	assert.Equal(t, "Yearly", p.String())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "one-time", Describe(""))
	assert.Equal(t, "every year", Describe("yearly"))
	assert.Equal(t, "every month", Describe("FREQ=MONTHLY"))
	assert.Equal(t, "every 2 weeks", Describe("FREQ=WEEKLY;INTERVAL=2"))
	assert.Equal(t, "whenever", Describe("whenever"))
}
