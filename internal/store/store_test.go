package store

import (
	"context"
	"testing"
	"time"

	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/stretchr/testify/require"
)

func ptr(n int64) *int64 { return &n }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func commit(t *testing.T, s *Store, partial fleet.PartialAggregate, aids []string, now time.Time) {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ApplyAggregate(ctx, tx, partial, now))
	require.NoError(t, s.InsertProcessed(ctx, tx, aids, now))
	require.NoError(t, tx.Commit())
}

func TestStore_ReadAggregate_EmptyStoreReturnsZero(t *testing.T) {
	s := newTestStore(t)

	agg, err := s.ReadAggregate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), agg.TotalVehicles)
	require.Empty(t, agg.VehiclesByType)
}

func TestStore_EmptyStateIngest(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	partial := fleet.PartialAggregate{
		TotalVehicles:        1,
		VehiclesByType:       map[string]int64{"SUV": 1},
		VehiclesByDecade:     map[string]int64{"2010s": 1},
		VehiclesBySpeedClass: map[string]int64{fleet.SpeedClassNormal: 1},
		HPSum:                200,
		HPCount:              1,
		HPMin:                ptr(200),
		HPMax:                ptr(200),
	}
	commit(t, s, partial, []string{"a1"}, now)

	agg, err := s.ReadAggregate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), agg.TotalVehicles)
	require.Equal(t, map[string]int64{"SUV": 1}, agg.VehiclesByType)
	require.Equal(t, map[string]int64{"2010s": 1}, agg.VehiclesByDecade)
	require.Equal(t, map[string]int64{fleet.SpeedClassNormal: 1}, agg.VehiclesBySpeedClass)
	require.Equal(t, int64(200), agg.HPStats.Sum)
	require.Equal(t, int64(1), agg.HPStats.Count)
	require.Equal(t, int64(200), agg.HPStats.Min)
	require.Equal(t, int64(200), agg.HPStats.Max)
	require.InDelta(t, 200.0, agg.HPStats.Avg, 0.001)
}

func TestStore_AccumulatesAcrossCommits(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	commit(t, s, fleet.PartialAggregate{
		TotalVehicles:  1,
		VehiclesByType: map[string]int64{"Sedan": 1},
		HPSum:          100, HPCount: 1, HPMin: ptr(100), HPMax: ptr(100),
	}, []string{"b1"}, now)

	commit(t, s, fleet.PartialAggregate{
		TotalVehicles:  1,
		VehiclesByType: map[string]int64{"Sedan": 1},
		HPSum:          300, HPCount: 1, HPMin: ptr(300), HPMax: ptr(300),
	}, []string{"b2"}, now)

	agg, err := s.ReadAggregate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), agg.TotalVehicles)
	require.Equal(t, map[string]int64{"Sedan": 2}, agg.VehiclesByType)
	require.Equal(t, int64(400), agg.HPStats.Sum)
	require.Equal(t, int64(2), agg.HPStats.Count)
	require.Equal(t, int64(100), agg.HPStats.Min)
	require.Equal(t, int64(300), agg.HPStats.Max)
}

func TestStore_GetProcessed_DetectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	commit(t, s, fleet.PartialAggregate{TotalVehicles: 1, VehiclesByType: map[string]int64{"Coupe": 1}}, []string{"c1"}, now)

	processed, err := s.GetProcessed(context.Background(), []string{"c1", "c2"})
	require.NoError(t, err)
	require.True(t, processed["c1"])
	require.False(t, processed["c2"])
}

func TestStore_InsertProcessed_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.InsertProcessed(ctx, tx, []string{"d1", "d1"}, now))
	require.NoError(t, tx.Commit())

	processed, err := s.GetProcessed(ctx, []string{"d1"})
	require.NoError(t, err)
	require.True(t, processed["d1"])
}

func TestStore_MissingFieldsLeaveHPStatsUntouched(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	commit(t, s, fleet.PartialAggregate{
		TotalVehicles:  1,
		VehiclesByType: map[string]int64{"Van": 1},
	}, []string{"e1"}, now)

	agg, err := s.ReadAggregate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), agg.TotalVehicles)
	require.Empty(t, agg.VehiclesByDecade)
	require.Empty(t, agg.VehiclesBySpeedClass)
	require.Equal(t, int64(0), agg.HPStats.Count)
	require.Equal(t, int64(0), agg.HPStats.Min)
}
