// Package vesting models time-based unlock schedules for token distributions.
//
// A schedule is an ordered list of periods, each unlocking a percentage of the
// recipient's total entitlement linearly over a number of fixed-length
// intervals. Percentages are expressed in extended basis points where
// 1% = 10^9 units, so a valid schedule always sums to exactly 10^11.
package vesting

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/shopspring/decimal"
)

const (
	// PercentageDecimals is the number of fractional decimal digits carried
	// by a percentage unit: 1% = 10^PercentageDecimals units.
	PercentageDecimals = 9

	// FullBPS is 100% in extended basis points.
	FullBPS uint64 = 100_000_000_000

	// fractionScale converts extended basis points to a fraction of one:
	// bps * 10^-11.
	fractionScale = -(PercentageDecimals + 2)
)

var (
	ErrEmptySchedule                  = errors.New("schedule must contain at least one period")
	ErrEmptyPeriod                    = errors.New("period must unlock over at least one interval")
	ErrInvalidIntervalDuration        = errors.New("period interval duration must be positive")
	ErrInvalidScheduleOrder           = errors.New("period start times must be strictly increasing")
	ErrPercentageDoesntCoverAllTokens = errors.New("schedule percentages must sum to exactly 100%")
	ErrIntegerOverflow                = errors.New("integer overflow")
	ErrInvalidChangeIndex             = errors.New("schedule change index out of range")
)

// Period unlocks PercentageBPS of the total entitlement linearly over Times
// intervals of IntervalSec seconds, starting at StartTS (unix seconds).
//
// Prefunded periods were distributed outside this engine (e.g. an airdrop):
// they count toward the schedule's percentage total and toward a recipient's
// claimed amount, but their tokens are never transferred here.
type Period struct {
	StartTS       uint64 `json:"start_ts"`
	IntervalSec   uint64 `json:"interval_sec"`
	Times         uint64 `json:"times"`
	PercentageBPS uint64 `json:"percentage_bps"`
	Prefunded     bool   `json:"prefunded"`
}

// End returns the period's implied end timestamp, or ErrIntegerOverflow.
func (p Period) End() (uint64, error) {
	span, err := checkedMul(p.Times, p.IntervalSec)
	if err != nil {
		return 0, err
	}
	return checkedAdd(p.StartTS, span)
}

// Schedule is an ordered, validated collection of vesting periods. A Schedule
// is immutable once constructed; mutations go through Apply, which returns a
// new validated schedule and never leaves a partially-changed one behind.
type Schedule struct {
	periods []Period
}

// New validates the given periods and returns a schedule.
func New(periods []Period) (*Schedule, error) {
	s := &Schedule{periods: append([]Period(nil), periods...)}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate re-checks every structural invariant.
func (s *Schedule) Validate() error {
	if len(s.periods) == 0 {
		return ErrEmptySchedule
	}

	var lastStart uint64
	var totalPercentage uint64
	for i, p := range s.periods {
		if p.Times == 0 {
			return fmt.Errorf("period %d: %w", i, ErrEmptyPeriod)
		}
		if p.IntervalSec == 0 {
			return fmt.Errorf("period %d: %w", i, ErrInvalidIntervalDuration)
		}
		if i > 0 && p.StartTS <= lastStart {
			return fmt.Errorf("period %d: %w", i, ErrInvalidScheduleOrder)
		}
		lastStart = p.StartTS

		// Surfaces unrepresentable period ends at validation time rather
		// than during claim math.
		if _, err := p.End(); err != nil {
			return fmt.Errorf("period %d: %w", i, err)
		}

		var err error
		totalPercentage, err = checkedAdd(totalPercentage, p.PercentageBPS)
		if err != nil {
			return fmt.Errorf("period %d: %w", i, err)
		}
	}

	if totalPercentage != FullBPS {
		return fmt.Errorf("%w: got %d, want %d", ErrPercentageDoesntCoverAllTokens, totalPercentage, FullBPS)
	}
	return nil
}

// HasStarted reports whether the first period's start time has been reached.
func (s *Schedule) HasStarted(now uint64) bool {
	return s.periods[0].StartTS <= now
}

// Periods returns a copy of the schedule's periods.
func (s *Schedule) Periods() []Period {
	return append([]Period(nil), s.periods...)
}

// Len returns the number of periods.
func (s *Schedule) Len() int {
	return len(s.periods)
}

// UnlockedFraction computes the fraction of total entitlement that is
// claimable between lastClaimedAt and now, plus the fraction covered by
// prefunded periods. Both are fractions of one (claimable <= 1).
//
// Periods are time ordered, so iteration stops at the first period that has
// not started yet. A period whose end precedes lastClaimedAt was fully
// consumed by a prior claim and contributes nothing.
//
// Checkpoint alignment can re-credit intervals of a period that was already
// partially claimed; callers bound the resulting amount by the proven
// entitlement.
func (s *Schedule) UnlockedFraction(now, lastClaimedAt uint64) (claimable, prefunded decimal.Decimal) {
	claimable = decimal.Zero
	prefunded = decimal.Zero

	for _, p := range s.periods {
		if now < p.StartTS {
			break
		}

		// Period end cannot overflow: checked at validation time.
		periodEnd := p.StartTS + p.Times*p.IntervalSec
		if periodEnd <= lastClaimedAt {
			continue
		}

		if p.Prefunded {
			prefunded = prefunded.Add(fractionOf(p.PercentageBPS))
			continue
		}

		// The checkpoint aligns down to the epoch interval grid, so a
		// mid-interval claim leaves the partial interval owed. The grid is
		// absolute, not relative to StartTS; a period whose start is off
		// the grid counts from its own start on the first claim and from
		// the aligned checkpoint afterwards.
		aligned := lastClaimedAt - lastClaimedAt%p.IntervalSec
		from := p.StartTS
		if aligned > from {
			from = aligned
		}
		intervals := (now - from) / p.IntervalSec
		if intervals > p.Times {
			intervals = p.Times
		}
		if intervals == 0 {
			continue
		}

		perPeriod := fractionOf(p.PercentageBPS).
			Div(decimal.NewFromUint64(p.Times)).
			Mul(decimal.NewFromUint64(intervals))
		claimable = claimable.Add(perPeriod)
	}

	return claimable, prefunded
}

// CeilAmount converts a fraction of an entitlement into a token amount,
// rounding up. Rounding up deliberately favors the claimant; the ledger's
// monotonic claimed-amount check is the anti-double-claim backstop.
func CeilAmount(entitlement uint64, fraction decimal.Decimal) (uint64, error) {
	v := decimal.NewFromUint64(entitlement).Mul(fraction).Ceil().BigInt()
	if !v.IsUint64() {
		return 0, fmt.Errorf("amount for entitlement %d: %w", entitlement, ErrIntegerOverflow)
	}
	return v.Uint64(), nil
}

func fractionOf(bps uint64) decimal.Decimal {
	return decimal.NewFromUint64(bps).Shift(fractionScale)
}

func checkedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrIntegerOverflow
	}
	return lo, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrIntegerOverflow
	}
	return sum, nil
}
