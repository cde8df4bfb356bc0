package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "coinid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st)
}

func catalogSource(id string) model.ExternalSource {
	return model.ExternalSource{
		ID:               id,
		Name:             "Source " + id,
		SourceType:       model.SourceTypeDealer,
		ReliabilityScore: 0.8,
		PriorityScore:    5,
		RateLimitPerHour: 60,
		Active:           true,
	}
}

func TestRegistry_CreateGetDelete(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, catalogSource("heritage")))

	got, err := reg.Get(ctx, "heritage")
	require.NoError(t, err)
	assert.Equal(t, "heritage", got.ID)

	require.NoError(t, reg.Delete(ctx, "heritage"))
	_, err = reg.Get(ctx, "heritage")
	assert.True(t, eris.Is(err, ErrSourceNotFound))
}

func TestRegistry_CreateRejectsInvalid(t *testing.T) {
	reg := testRegistry(t)
	src := catalogSource("bad")
	src.ReliabilityScore = -0.2

	err := reg.Create(context.Background(), src)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrInvalidSourceConfig))
}

func TestRegistry_UpdateMissing(t *testing.T) {
	reg := testRegistry(t)
	err := reg.Update(context.Background(), catalogSource("ghost"))
	assert.True(t, eris.Is(err, ErrSourceNotFound))
}

func TestRegistry_ListActiveFiltersSpecialists(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	general := catalogSource("heritage")
	specialist := catalogSource("minterr")
	specialist.SourceType = model.SourceTypeErrorRegistry
	specialist.SpecializesInErrors = true
	retired := catalogSource("old")
	retired.Active = false

	for _, src := range []model.ExternalSource{general, specialist, retired} {
		require.NoError(t, reg.Create(ctx, src))
	}

	active, err := reg.ListActive(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	yes := true
	specialists, err := reg.ListActive(ctx, &Filter{SpecializesInErrors: &yes})
	require.NoError(t, err)
	require.Len(t, specialists, 1)
	assert.Equal(t, "minterr", specialists[0].ID)
}

// reliability moves by EMA: new = 0.9*old + 0.1*observation.
func TestUpdateReliability_EMA(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, catalogSource("heritage")))

	require.NoError(t, reg.UpdateReliability(ctx, "heritage", true))
	got, err := reg.Get(ctx, "heritage")
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.8+0.1*1.0, got.ReliabilityScore, 1e-9)

	require.NoError(t, reg.UpdateReliability(ctx, "heritage", false))
	got, err = reg.Get(ctx, "heritage")
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.82, got.ReliabilityScore, 1e-9)
}

func TestUpdateReliability_StaysInBounds(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, catalogSource("heritage")))

	for range 100 {
		require.NoError(t, reg.UpdateReliability(ctx, "heritage", true))
	}
	got, err := reg.Get(ctx, "heritage")
	require.NoError(t, err)
	assert.LessOrEqual(t, got.ReliabilityScore, 1.0)
	assert.Greater(t, got.ReliabilityScore, 0.99)

	for range 200 {
		require.NoError(t, reg.UpdateReliability(ctx, "heritage", false))
	}
	got, err = reg.Get(ctx, "heritage")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.ReliabilityScore, 0.0)
	assert.Less(t, got.ReliabilityScore, 0.01)
}

func TestUpdateReliability_Missing(t *testing.T) {
	reg := testRegistry(t)
	err := reg.UpdateReliability(context.Background(), "ghost", true)
	assert.True(t, eris.Is(err, ErrSourceNotFound))
}

// Concurrent feedback for the same source must serialize: every
// observation lands, none lost to a read-modify-write race.
func TestUpdateReliability_ConcurrentFeedback(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, catalogSource("heritage")))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.UpdateReliability(ctx, "heritage", true))
		}()
	}
	wg.Wait()

	// 20 successes from 0.8: deterministic EMA fixpoint iteration.
	want := 0.8
	for range 20 {
		want = 0.9*want + 0.1
	}
	got, err := reg.Get(ctx, "heritage")
	require.NoError(t, err)
	assert.InDelta(t, want, got.ReliabilityScore, 1e-9)
}
