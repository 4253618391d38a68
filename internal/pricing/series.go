// Package pricing holds the hourly spot-price series and the windowing,
// ranking and time-of-day math the trigger engine evaluates against.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrEmptySeries rejects construction from no data.
	ErrEmptySeries = errors.New("price series must not be empty")
	// ErrUnsorted rejects construction from out-of-order data; sorting
	// is the caller's responsibility.
	ErrUnsorted = errors.New("price series must be ascending by timestamp")
	// ErrNoPriceForHour reports an expected hour missing from the series.
	ErrNoPriceForHour = errors.New("no price for requested hour")
)

// PricePoint is one hour of spot-price data. Prices are EUR/kWh.
type PricePoint struct {
	Date              time.Time `json:"date"`
	NetPrice          float64   `json:"netKwhPrice"`
	GrossPrice        float64   `json:"grossKwhPrice"`
	NetTaxAndLevies   float64   `json:"netKwhTaxAndLevies"`
	GrossTaxAndLevies float64   `json:"grossKwhTaxAndLevies"`
}

// Series is an immutable, non-empty, ascending sequence of hourly price
// points. Derived stats are computed once per instance.
type Series struct {
	points []PricePoint

	statsOnce     sync.Once
	avg, min, max float64
}

// NewSeries wraps points in a Series. The input must be non-empty and
// already sorted ascending by timestamp.
func NewSeries(points []PricePoint) (*Series, error) {
	if len(points) == 0 {
		return nil, ErrEmptySeries
	}
	for i := 1; i < len(points); i++ {
		if !points[i-1].Date.Before(points[i].Date) {
			return nil, fmt.Errorf("%w: index %d", ErrUnsorted, i)
		}
	}
	return &Series{points: points}, nil
}

// Points returns the underlying sequence. Callers must not mutate it.
func (s *Series) Points() []PricePoint { return s.points }

func (s *Series) Len() int { return len(s.points) }

func (s *Series) computeStats() {
	s.statsOnce.Do(func() {
		if len(s.points) == 0 {
			return
		}
		s.min = s.points[0].NetPrice
		s.max = s.points[0].NetPrice
		sum := 0.0
		for _, p := range s.points {
			sum += p.NetPrice
			if p.NetPrice < s.min {
				s.min = p.NetPrice
			}
			if p.NetPrice > s.max {
				s.max = p.NetPrice
			}
		}
		s.avg = sum / float64(len(s.points))
	})
}

// Average returns the mean net price. An internally emptied series
// yields 0; construction forbids that state, so this is defensive only.
func (s *Series) Average() float64 {
	s.computeStats()
	return s.avg
}

// Min returns the lowest net price in the series.
func (s *Series) Min() float64 {
	s.computeStats()
	return s.min
}

// Max returns the highest net price in the series.
func (s *Series) Max() float64 {
	s.computeStats()
	return s.max
}

// Window returns the count points starting at the point whose
// hour-truncated timestamp equals from. There is no interpolation: a
// missing exact hour is an error, as is a window running past the end
// of the series. The window never shrinks to fit: asking for more
// hours than the series still holds (a 6-hour look-ahead late in the
// evening, say) is an error the caller sees, not a shorter answer
// that would silently change what "among the lowest N of M" means.
func (s *Series) Window(from time.Time, count int) (*Series, error) {
	from = from.Truncate(time.Hour)
	idx := -1
	for i, p := range s.points {
		if p.Date.Truncate(time.Hour).Equal(from) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPriceForHour, from.Format(time.RFC3339))
	}
	if idx+count > len(s.points) {
		return nil, fmt.Errorf("window of %d hours from %s exceeds series end", count, from.Format(time.RFC3339))
	}
	return NewSeries(s.points[idx : idx+count])
}

// NLowest returns a new series of the n cheapest hours, price-ascending.
// Equal prices keep their original relative order.
func (s *Series) NLowest(n int) (*Series, error) {
	return s.ranked(n, func(a, b PricePoint) bool { return a.NetPrice < b.NetPrice })
}

// NHighest returns a new series of the n most expensive hours,
// price-descending. Equal prices keep their original relative order.
func (s *Series) NHighest(n int) (*Series, error) {
	return s.ranked(n, func(a, b PricePoint) bool { return a.NetPrice > b.NetPrice })
}

func (s *Series) ranked(n int, less func(a, b PricePoint) bool) (*Series, error) {
	if n < 1 {
		return nil, fmt.Errorf("rank count must be positive, got %d", n)
	}
	sorted := make([]PricePoint, len(s.points))
	copy(sorted, s.points)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if n > len(sorted) {
		n = len(sorted)
	}
	out := &Series{points: sorted[:n]}
	return out, nil
}

// PriceAt looks up the point for the exact hour of t. The second return
// is false when the hour is absent; this is the presence-check path and
// does not error.
func (s *Series) PriceAt(t time.Time) (PricePoint, bool) {
	t = t.Truncate(time.Hour)
	for _, p := range s.points {
		if p.Date.Truncate(time.Hour).Equal(t) {
			return p, true
		}
	}
	return PricePoint{}, false
}

// Contains reports whether the exact hour of t is present.
func (s *Series) Contains(t time.Time) bool {
	_, ok := s.PriceAt(t)
	return ok
}

// Between filters the series to points whose local minute-of-day falls
// inside [start, end). When start is after end the range wraps past
// midnight. Times are "HH:MM".
func (s *Series) Between(start, end string) (*Series, error) {
	startMin, err := parseMinuteOfDay(start)
	if err != nil {
		return nil, err
	}
	endMin, err := parseMinuteOfDay(end)
	if err != nil {
		return nil, err
	}

	var out []PricePoint
	for _, p := range s.points {
		m := p.Date.Hour()*60 + p.Date.Minute()
		var in bool
		if startMin <= endMin {
			in = m >= startMin && m < endMin
		} else {
			in = m >= startMin || m < endMin
		}
		if in {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptySeries
	}
	return &Series{points: out}, nil
}

func parseMinuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
