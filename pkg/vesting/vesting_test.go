package vesting_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/claimd/pkg/vesting"
)

func singlePeriodSchedule(t *testing.T) *vesting.Schedule {
	t.Helper()
	s, err := vesting.New([]vesting.Period{
		{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: vesting.FullBPS},
	})
	require.NoError(t, err)
	return s
}

func TestClaimd_Vesting_Validate(t *testing.T) {
	t.Parallel()

	t.Run("accepts a well formed schedule", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 60, Times: 5, PercentageBPS: 30_000_000_000},
			{StartTS: 2000, IntervalSec: 60, Times: 5, PercentageBPS: 70_000_000_000},
		})
		require.NoError(t, err)
	})

	t.Run("rejects empty schedule", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New(nil)
		require.ErrorIs(t, err, vesting.ErrEmptySchedule)
	})

	t.Run("rejects zero interval count", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 60, Times: 0, PercentageBPS: vesting.FullBPS},
		})
		require.ErrorIs(t, err, vesting.ErrEmptyPeriod)
	})

	t.Run("rejects zero interval duration", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 0, Times: 10, PercentageBPS: vesting.FullBPS},
		})
		require.ErrorIs(t, err, vesting.ErrInvalidIntervalDuration)
	})

	t.Run("rejects non increasing start times", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New([]vesting.Period{
			{StartTS: 2000, IntervalSec: 60, Times: 5, PercentageBPS: 50_000_000_000},
			{StartTS: 2000, IntervalSec: 60, Times: 5, PercentageBPS: 50_000_000_000},
		})
		require.ErrorIs(t, err, vesting.ErrInvalidScheduleOrder)

		_, err = vesting.New([]vesting.Period{
			{StartTS: 2000, IntervalSec: 60, Times: 5, PercentageBPS: 50_000_000_000},
			{StartTS: 1000, IntervalSec: 60, Times: 5, PercentageBPS: 50_000_000_000},
		})
		require.ErrorIs(t, err, vesting.ErrInvalidScheduleOrder)
	})

	t.Run("rejects percentage sum below 100%", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 60, Times: 5, PercentageBPS: vesting.FullBPS - 1},
		})
		require.ErrorIs(t, err, vesting.ErrPercentageDoesntCoverAllTokens)
	})

	t.Run("rejects percentage sum above 100%", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 60, Times: 5, PercentageBPS: 60_000_000_000},
			{StartTS: 2000, IntervalSec: 60, Times: 5, PercentageBPS: 60_000_000_000},
		})
		require.ErrorIs(t, err, vesting.ErrPercentageDoesntCoverAllTokens)
	})

	t.Run("rejects unrepresentable period end", func(t *testing.T) {
		t.Parallel()
		_, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: math.MaxUint64, Times: 2, PercentageBPS: vesting.FullBPS},
		})
		require.ErrorIs(t, err, vesting.ErrIntegerOverflow)
	})
}

func TestClaimd_Vesting_HasStarted(t *testing.T) {
	t.Parallel()

	s := singlePeriodSchedule(t)
	require.False(t, s.HasStarted(999))
	require.True(t, s.HasStarted(1000))
	require.True(t, s.HasStarted(5000))
}

func TestClaimd_Vesting_UnlockedFraction(t *testing.T) {
	t.Parallel()

	t.Run("nothing unlocked before start", func(t *testing.T) {
		t.Parallel()
		s := singlePeriodSchedule(t)
		claimable, prefunded := s.UnlockedFraction(999, 0)
		require.True(t, claimable.IsZero())
		require.True(t, prefunded.IsZero())
	})

	t.Run("half unlocked halfway through", func(t *testing.T) {
		t.Parallel()
		s := singlePeriodSchedule(t)

		// elapsed=500, intervals=5 of 10, so 50% of a 1,000,000 entitlement.
		claimable, prefunded := s.UnlockedFraction(1500, 0)
		require.True(t, claimable.Equal(decimal.RequireFromString("0.5")), "got %s", claimable)
		require.True(t, prefunded.IsZero())

		amount, err := vesting.CeilAmount(1_000_000, claimable)
		require.NoError(t, err)
		require.Equal(t, uint64(500_000), amount)
	})

	t.Run("fully unlocked at and past period end", func(t *testing.T) {
		t.Parallel()
		s := singlePeriodSchedule(t)

		for _, now := range []uint64{2000, 2001, 100_000} {
			claimable, _ := s.UnlockedFraction(now, 0)
			amount, err := vesting.CeilAmount(1_000_000, claimable)
			require.NoError(t, err)
			require.Equal(t, uint64(1_000_000), amount, "at now=%d", now)
		}
	})

	t.Run("no double counting after a checkpoint", func(t *testing.T) {
		t.Parallel()
		s := singlePeriodSchedule(t)

		// Claimed at 1500 (5 intervals). One more interval elapses.
		claimable, _ := s.UnlockedFraction(1600, 1500)
		require.True(t, claimable.Equal(decimal.RequireFromString("0.1")), "got %s", claimable)
	})

	t.Run("checkpoint aligns down to interval boundary", func(t *testing.T) {
		t.Parallel()
		s := singlePeriodSchedule(t)

		// Last claim at 1550 aligns down to 1500, so the interval ending at
		// 1600 is still owed in full.
		claimable, _ := s.UnlockedFraction(1600, 1550)
		require.True(t, claimable.Equal(decimal.RequireFromString("0.1")), "got %s", claimable)
	})

	t.Run("checkpoint grid is absolute even when the period start is off it", func(t *testing.T) {
		t.Parallel()
		s, err := vesting.New([]vesting.Period{
			{StartTS: 1050, IntervalSec: 100, Times: 10, PercentageBPS: vesting.FullBPS},
		})
		require.NoError(t, err)

		// First claim counts from the period start: 6 full intervals have
		// elapsed by 1700.
		claimable, _ := s.UnlockedFraction(1700, 0)
		require.True(t, claimable.Equal(decimal.RequireFromString("0.6")), "got %s", claimable)

		// A checkpoint at 1460 aligns down to 1400 on the absolute grid,
		// not to the period-relative boundary at 1450: three intervals owed.
		claimable, _ = s.UnlockedFraction(1700, 1460)
		require.True(t, claimable.Equal(decimal.RequireFromString("0.3")), "got %s", claimable)
	})

	t.Run("consumed period contributes nothing", func(t *testing.T) {
		t.Parallel()
		s, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: 40_000_000_000},
			{StartTS: 3000, IntervalSec: 100, Times: 10, PercentageBPS: 60_000_000_000},
		})
		require.NoError(t, err)

		// First period ended at 2000 and was claimed through; only the
		// second period's progress counts.
		claimable, _ := s.UnlockedFraction(3500, 2500)
		require.True(t, claimable.Equal(decimal.RequireFromString("0.3")), "got %s", claimable)
	})

	t.Run("prefunded period credits its full percentage without transfer flow", func(t *testing.T) {
		t.Parallel()
		s, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: 20_000_000_000, Prefunded: true},
			{StartTS: 3000, IntervalSec: 100, Times: 10, PercentageBPS: 80_000_000_000},
		})
		require.NoError(t, err)

		claimable, prefunded := s.UnlockedFraction(1000, 0)
		require.True(t, claimable.IsZero())
		require.True(t, prefunded.Equal(decimal.RequireFromString("0.2")), "got %s", prefunded)

		bonus, err := vesting.CeilAmount(1_000_000, prefunded)
		require.NoError(t, err)
		require.Equal(t, uint64(200_000), bonus)
	})

	t.Run("prefunded period is skipped once consumed", func(t *testing.T) {
		t.Parallel()
		s, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: 20_000_000_000, Prefunded: true},
			{StartTS: 3000, IntervalSec: 100, Times: 10, PercentageBPS: 80_000_000_000},
		})
		require.NoError(t, err)

		// Checkpoint past the prefunded period's end (2000): no re-credit.
		_, prefunded := s.UnlockedFraction(3500, 2500)
		require.True(t, prefunded.IsZero())
	})

	t.Run("ceiling favors the claimant on inexact splits", func(t *testing.T) {
		t.Parallel()
		s, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 100, Times: 3, PercentageBPS: vesting.FullBPS},
		})
		require.NoError(t, err)

		claimable, _ := s.UnlockedFraction(1100, 0)
		amount, err := vesting.CeilAmount(100, claimable)
		require.NoError(t, err)
		// 100/3 rounds up.
		require.Equal(t, uint64(34), amount)
	})
}

func TestClaimd_Vesting_CeilAmount_Overflow(t *testing.T) {
	t.Parallel()

	_, err := vesting.CeilAmount(math.MaxUint64, decimal.RequireFromString("1.5"))
	require.ErrorIs(t, err, vesting.ErrIntegerOverflow)
}

func TestClaimd_Vesting_Apply(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) *vesting.Schedule {
		s, err := vesting.New([]vesting.Period{
			{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: 40_000_000_000},
			{StartTS: 3000, IntervalSec: 100, Times: 10, PercentageBPS: 60_000_000_000},
		})
		require.NoError(t, err)
		return s
	}

	t.Run("applies a valid batch", func(t *testing.T) {
		t.Parallel()
		s := base(t)

		updated, err := s.Apply([]vesting.Change{
			{Op: vesting.ChangeUpdate, Index: 0, Period: vesting.Period{
				StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: 30_000_000_000,
			}},
			{Op: vesting.ChangeRemove, Index: 1},
			{Op: vesting.ChangePush, Period: vesting.Period{
				StartTS: 5000, IntervalSec: 100, Times: 10, PercentageBPS: 70_000_000_000,
			}},
		})
		require.NoError(t, err)
		require.Equal(t, 2, updated.Len())
		require.Equal(t, uint64(5000), updated.Periods()[1].StartTS)
	})

	t.Run("rejects the whole batch when the result is invalid", func(t *testing.T) {
		t.Parallel()
		s := base(t)

		_, err := s.Apply([]vesting.Change{
			{Op: vesting.ChangeRemove, Index: 1},
		})
		require.ErrorIs(t, err, vesting.ErrPercentageDoesntCoverAllTokens)

		// The original schedule is untouched.
		require.Equal(t, 2, s.Len())
		require.NoError(t, s.Validate())
	})

	t.Run("rejects out of range indexes", func(t *testing.T) {
		t.Parallel()
		s := base(t)

		_, err := s.Apply([]vesting.Change{{Op: vesting.ChangeRemove, Index: 2}})
		require.ErrorIs(t, err, vesting.ErrInvalidChangeIndex)

		_, err = s.Apply([]vesting.Change{{Op: vesting.ChangeUpdate, Index: -1}})
		require.ErrorIs(t, err, vesting.ErrInvalidChangeIndex)
	})

	t.Run("rejects unknown ops", func(t *testing.T) {
		t.Parallel()
		s := base(t)

		_, err := s.Apply([]vesting.Change{{Op: "swap"}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown op")
	})
}
