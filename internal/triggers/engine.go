// Package triggers evaluates the fixed catalogue of price predicates
// against the current series and dispatches automation signals. The
// catalogue is a closed set registered once at startup; the host only
// ever calls Evaluate with a rule id and arguments.
package triggers

import (
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/LRuesink-WebArray/ostrom/internal/pricing"
)

// Epsilon is the absolute tolerance for extremum equality checks.
const Epsilon = 0.001

var dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ostrom_triggers_dispatched_total",
	Help: "Trigger signals dispatched to the automation host.",
}, []string{"rule"})

// Kind separates rules the engine pushes each cycle from rules the
// host polls.
type Kind string

const (
	KindTrigger   Kind = "trigger"
	KindCondition Kind = "condition"
)

// EvalContext is everything a predicate may look at for one cycle.
type EvalContext struct {
	Current pricing.PricePoint
	Series  *pricing.Series
	Now     time.Time
}

// Rule is one catalogue entry: a stateless predicate plus its argument
// schema.
type Rule struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	Args []ArgSpec `json:"args"`

	predicate func(ev EvalContext, args Args) (bool, error)
	// preFiltered rules are evaluated engine-side before dispatch and
	// never fire when false; all others always dispatch and let the
	// host gate on the predicate.
	preFiltered bool
}

// Dispatcher receives trigger signals for the automation host.
type Dispatcher interface {
	Dispatch(ruleID string) error
}

// Engine holds the catalogue.
type Engine struct {
	rules  map[string]Rule
	order  []string
	logger *logrus.Logger
}

func NewEngine(logger *logrus.Logger) *Engine {
	e := &Engine{rules: make(map[string]Rule), logger: logger}
	for _, r := range catalogue() {
		e.rules[r.ID] = r
		e.order = append(e.order, r.ID)
	}
	return e
}

// Rules returns the catalogue in registration order, for the host to
// advertise.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id])
	}
	return out
}

// Evaluate runs one rule's predicate against the cycle context.
func (e *Engine) Evaluate(ruleID string, args Args, ev EvalContext) (bool, error) {
	rule, ok := e.rules[ruleID]
	if !ok {
		return false, fmt.Errorf("unknown rule %q", ruleID)
	}
	return rule.predicate(ev, args)
}

// RunCycle dispatches trigger signals for the current hour. The exact
// current hour must be present in the series; stale or missing data
// aborts evaluation for the cycle.
func (e *Engine) RunCycle(series *pricing.Series, now time.Time, d Dispatcher) error {
	current, ok := series.PriceAt(now)
	if !ok {
		return fmt.Errorf("trigger evaluation: %w: %s", pricing.ErrNoPriceForHour, now.Truncate(time.Hour).Format(time.RFC3339))
	}
	ev := EvalContext{Current: current, Series: series, Now: now}

	for _, id := range e.order {
		rule := e.rules[id]
		if rule.Kind != KindTrigger {
			continue
		}

		if rule.preFiltered {
			fire, err := rule.predicate(ev, Args{})
			if err != nil {
				e.logger.WithError(err).WithField("rule", id).Warn("trigger predicate failed")
				continue
			}
			if !fire {
				continue
			}
		}

		if err := d.Dispatch(id); err != nil {
			e.logger.WithError(err).WithField("rule", id).Warn("trigger dispatch failed")
			continue
		}
		dispatchedTotal.WithLabelValues(id).Inc()
	}
	return nil
}

// LogDispatcher records fired triggers in the log. It stands in when
// no automation host transport is configured.
type LogDispatcher struct {
	logger *logrus.Logger
}

func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ruleID string) error {
	d.logger.WithField("rule", ruleID).Info("trigger fired")
	return nil
}

// Predicates. cur and avg are net prices, pct a percentage.

func belowAverage(cur, avg, pct float64) bool { return cur <= avg*(1-pct/100) }
func aboveAverage(cur, avg, pct float64) bool { return cur >= avg*(1+pct/100) }
func atExtremum(cur, extremum float64) bool   { return math.Abs(cur-extremum) < Epsilon }

// lookAhead slices the series to the next hours entries starting at the
// current hour.
func lookAhead(ev EvalContext, args Args) (*pricing.Series, error) {
	hours, err := args.intArg("hours")
	if err != nil {
		return nil, err
	}
	return ev.Series.Window(ev.Now, hours)
}

func containsHour(s *pricing.Series, t time.Time) bool {
	return s.Contains(t)
}

func catalogue() []Rule {
	argHours := ArgSpec{Name: "hours", Type: ArgTypeInt}
	argPct := ArgSpec{Name: "percentage", Type: ArgTypeNumber}
	argRanked := ArgSpec{Name: "ranked_hours", Type: ArgTypeInt}
	argPrice := ArgSpec{Name: "price", Type: ArgTypeNumber}
	argStart := ArgSpec{Name: "start_time", Type: ArgTypeTime}
	argEnd := ArgSpec{Name: "end_time", Type: ArgTypeTime}

	return []Rule{
		// Dynamic-window family: look ahead N hours from now.
		{
			ID: "price_below_average", Kind: KindTrigger, Args: []ArgSpec{argHours, argPct},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				w, err := lookAhead(ev, args)
				if err != nil {
					return false, err
				}
				pct, err := args.numberArg("percentage")
				if err != nil {
					return false, err
				}
				return belowAverage(ev.Current.NetPrice, w.Average(), pct), nil
			},
		},
		{
			ID: "price_above_average", Kind: KindTrigger, Args: []ArgSpec{argHours, argPct},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				w, err := lookAhead(ev, args)
				if err != nil {
					return false, err
				}
				pct, err := args.numberArg("percentage")
				if err != nil {
					return false, err
				}
				return aboveAverage(ev.Current.NetPrice, w.Average(), pct), nil
			},
		},
		{
			ID: "price_at_lowest", Kind: KindTrigger, Args: []ArgSpec{argHours},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				w, err := lookAhead(ev, args)
				if err != nil {
					return false, err
				}
				return atExtremum(ev.Current.NetPrice, w.Min()), nil
			},
		},
		{
			ID: "price_at_highest", Kind: KindTrigger, Args: []ArgSpec{argHours},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				w, err := lookAhead(ev, args)
				if err != nil {
					return false, err
				}
				return atExtremum(ev.Current.NetPrice, w.Max()), nil
			},
		},
		{
			ID: "price_among_lowest", Kind: KindTrigger, Args: []ArgSpec{argHours, argRanked},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				w, err := lookAhead(ev, args)
				if err != nil {
					return false, err
				}
				n, err := args.intArg("ranked_hours")
				if err != nil {
					return false, err
				}
				ranked, err := w.NLowest(n)
				if err != nil {
					return false, err
				}
				return containsHour(ranked, ev.Now), nil
			},
		},
		{
			ID: "price_among_highest", Kind: KindTrigger, Args: []ArgSpec{argHours, argRanked},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				w, err := lookAhead(ev, args)
				if err != nil {
					return false, err
				}
				n, err := args.intArg("ranked_hours")
				if err != nil {
					return false, err
				}
				ranked, err := w.NHighest(n)
				if err != nil {
					return false, err
				}
				return containsHour(ranked, ev.Now), nil
			},
		},

		// Whole-day family: evaluated over today's full series.
		{
			ID: "price_below_average_today", Kind: KindTrigger, Args: []ArgSpec{argPct},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				pct, err := args.numberArg("percentage")
				if err != nil {
					return false, err
				}
				return belowAverage(ev.Current.NetPrice, ev.Series.Average(), pct), nil
			},
		},
		{
			ID: "price_above_average_today", Kind: KindTrigger, Args: []ArgSpec{argPct},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				pct, err := args.numberArg("percentage")
				if err != nil {
					return false, err
				}
				return aboveAverage(ev.Current.NetPrice, ev.Series.Average(), pct), nil
			},
		},
		{
			ID: "price_at_lowest_today", Kind: KindTrigger, preFiltered: true,
			predicate: func(ev EvalContext, args Args) (bool, error) {
				return atExtremum(ev.Current.NetPrice, ev.Series.Min()), nil
			},
		},
		{
			ID: "price_at_highest_today", Kind: KindTrigger, preFiltered: true,
			predicate: func(ev EvalContext, args Args) (bool, error) {
				return atExtremum(ev.Current.NetPrice, ev.Series.Max()), nil
			},
		},
		{
			ID: "price_among_lowest_today", Kind: KindTrigger, Args: []ArgSpec{argRanked},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				n, err := args.intArg("ranked_hours")
				if err != nil {
					return false, err
				}
				ranked, err := ev.Series.NLowest(n)
				if err != nil {
					return false, err
				}
				return containsHour(ranked, ev.Now), nil
			},
		},
		{
			ID: "price_among_highest_today", Kind: KindTrigger, Args: []ArgSpec{argRanked},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				n, err := args.intArg("ranked_hours")
				if err != nil {
					return false, err
				}
				ranked, err := ev.Series.NHighest(n)
				if err != nil {
					return false, err
				}
				return containsHour(ranked, ev.Now), nil
			},
		},

		// Conditions: polled by the host, never dispatched.
		{
			ID: "current_price_below", Kind: KindCondition, Args: []ArgSpec{argPrice},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				price, err := args.numberArg("price")
				if err != nil {
					return false, err
				}
				return ev.Current.NetPrice < price, nil
			},
		},
		{
			ID: "current_price_above", Kind: KindCondition, Args: []ArgSpec{argPrice},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				price, err := args.numberArg("price")
				if err != nil {
					return false, err
				}
				return ev.Current.NetPrice > price, nil
			},
		},
		{
			ID: "lowest_price_between", Kind: KindCondition, Args: []ArgSpec{argStart, argEnd},
			predicate: func(ev EvalContext, args Args) (bool, error) {
				start, err := args.timeArg("start_time")
				if err != nil {
					return false, err
				}
				end, err := args.timeArg("end_time")
				if err != nil {
					return false, err
				}
				sub, err := ev.Series.Between(start, end)
				if err != nil {
					return false, err
				}
				cheapest, err := sub.NLowest(1)
				if err != nil {
					return false, err
				}
				return cheapest.Points()[0].Date.Truncate(time.Hour).Equal(ev.Now.Truncate(time.Hour)), nil
			},
		},
	}
}
