package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

// hourlyPrices builds one point per hour starting at day, with the
// given net prices.
func hourlyPrices(t *testing.T, prices ...float64) *Series {
	t.Helper()
	points := make([]PricePoint, len(prices))
	for i, p := range prices {
		points[i] = PricePoint{Date: day.Add(time.Duration(i) * time.Hour), NetPrice: p}
	}
	s, err := NewSeries(points)
	require.NoError(t, err)
	return s
}

// risingDay is 24 hourly points priced 10..33 strictly increasing.
func risingDay(t *testing.T) *Series {
	t.Helper()
	prices := make([]float64, 24)
	for i := range prices {
		prices[i] = float64(10 + i)
	}
	return hourlyPrices(t, prices...)
}

func TestNewSeriesRejectsEmptyInput(t *testing.T) {
	_, err := NewSeries(nil)
	assert.ErrorIs(t, err, ErrEmptySeries)
}

func TestNewSeriesRejectsUnsortedInput(t *testing.T) {
	points := []PricePoint{
		{Date: day.Add(time.Hour), NetPrice: 1},
		{Date: day, NetPrice: 2},
	}
	_, err := NewSeries(points)
	assert.ErrorIs(t, err, ErrUnsorted)

	// Duplicate timestamps are not a proper ascending sequence either.
	points = []PricePoint{
		{Date: day, NetPrice: 1},
		{Date: day, NetPrice: 2},
	}
	_, err = NewSeries(points)
	assert.ErrorIs(t, err, ErrUnsorted)
}

func TestStatsOrdering(t *testing.T) {
	s := hourlyPrices(t, 0.31, 0.12, 0.27, 0.12, 0.45)

	assert.GreaterOrEqual(t, s.Max(), s.Average())
	assert.GreaterOrEqual(t, s.Average(), s.Min())
	assert.InDelta(t, 0.12, s.Min(), 1e-9)
	assert.InDelta(t, 0.45, s.Max(), 1e-9)
}

func TestRisingDayWorkedExample(t *testing.T) {
	s := risingDay(t)

	assert.InDelta(t, 21.5, s.Average(), 1e-9)
	assert.InDelta(t, 10, s.Min(), 1e-9)
	assert.InDelta(t, 33, s.Max(), 1e-9)

	lowest, err := s.NLowest(3)
	require.NoError(t, err)
	var got []float64
	for _, p := range lowest.Points() {
		got = append(got, p.NetPrice)
	}
	assert.Equal(t, []float64{10, 11, 12}, got)
}

func TestWindow(t *testing.T) {
	s := risingDay(t)

	w, err := s.Window(day.Add(6*time.Hour+13*time.Minute), 4)
	require.NoError(t, err)
	require.Equal(t, 4, w.Len())
	assert.InDelta(t, 16, w.Points()[0].NetPrice, 1e-9)
	assert.InDelta(t, 19, w.Points()[3].NetPrice, 1e-9)
}

func TestWindowRequiresExactHour(t *testing.T) {
	s := risingDay(t)

	_, err := s.Window(day.Add(-time.Hour), 3)
	assert.ErrorIs(t, err, ErrNoPriceForHour)
}

func TestWindowPastSeriesEnd(t *testing.T) {
	s := risingDay(t)

	// The window is never shortened to fit the remaining hours.
	_, err := s.Window(day.Add(22*time.Hour), 4)
	assert.Error(t, err)

	// An exact fit to the series end is fine.
	w, err := s.Window(day.Add(22*time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, w.Points(), 2)
}

func TestRankedStability(t *testing.T) {
	s := hourlyPrices(t, 0.2, 0.1, 0.1, 0.3)

	lowest, err := s.NLowest(2)
	require.NoError(t, err)
	// Equal prices keep original relative order: hour 1 before hour 2.
	assert.Equal(t, day.Add(1*time.Hour), lowest.Points()[0].Date)
	assert.Equal(t, day.Add(2*time.Hour), lowest.Points()[1].Date)

	highest, err := s.NHighest(3)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, highest.Points()[0].NetPrice, 1e-9)
	assert.Equal(t, day.Add(1*time.Hour), highest.Points()[1].Date)
	assert.Equal(t, day.Add(2*time.Hour), highest.Points()[2].Date)
}

func TestRankedUnionCoversSeries(t *testing.T) {
	s := hourlyPrices(t, 0.4, 0.1, 0.3, 0.2)

	lowest, err := s.NLowest(4)
	require.NoError(t, err)
	highest, err := s.NHighest(6) // n past series length clamps
	require.NoError(t, err)

	seen := map[time.Time]bool{}
	for _, p := range lowest.Points() {
		seen[p.Date] = true
	}
	for _, p := range highest.Points() {
		seen[p.Date] = true
	}
	assert.Len(t, seen, s.Len())
}

func TestPriceAt(t *testing.T) {
	s := risingDay(t)

	p, ok := s.PriceAt(day.Add(5*time.Hour + 59*time.Minute))
	require.True(t, ok)
	assert.InDelta(t, 15, p.NetPrice, 1e-9)

	_, ok = s.PriceAt(day.Add(24 * time.Hour))
	assert.False(t, ok)
}

func TestBetween(t *testing.T) {
	s := risingDay(t)

	morning, err := s.Between("06:00", "09:00")
	require.NoError(t, err)
	require.Equal(t, 3, morning.Len())
	assert.Equal(t, 6, morning.Points()[0].Date.Hour())
	assert.Equal(t, 8, morning.Points()[2].Date.Hour())
}

func TestBetweenWrapsMidnight(t *testing.T) {
	s := risingDay(t)

	night, err := s.Between("22:00", "02:00")
	require.NoError(t, err)
	require.Equal(t, 4, night.Len())
	hours := []int{}
	for _, p := range night.Points() {
		hours = append(hours, p.Date.Hour())
	}
	assert.Equal(t, []int{0, 1, 22, 23}, hours)
}

func TestBetweenRejectsBadInput(t *testing.T) {
	s := risingDay(t)

	_, err := s.Between("25:00", "02:00")
	assert.Error(t, err)

	// An empty filter result is a construction violation, not a series.
	_, err = s.Between("06:30", "06:45")
	assert.ErrorIs(t, err, ErrEmptySeries)
}
