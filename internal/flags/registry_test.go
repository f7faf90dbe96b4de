package flags

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pbaille/jobfiltr/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storedFlags(t *testing.T, kv store.KV) map[string]bool {
	t.Helper()
	raw, found, err := kv.Get(context.Background(), StateKey)
	require.NoError(t, err)
	require.True(t, found)
	var m map[string]bool
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestTierDefaults(t *testing.T) {
	tests := []struct {
		name    string
		tier    Tier
		enabled bool
		auto    bool
	}{
		{JobAgeBadges, TierRobust, true, true},
		{APIInterceptor, TierRobust, true, true},
		{BadgePersistence, TierRobust, true, true},
		{BenefitsBadges, TierSimplified, false, true},
		{DetailedApplicantCount, TierExperimental, false, false},
		{ComplexBadgePositioning, TierExperimental, false, false},
		{SalaryParsing, TierExperimental, false, false},
	}

	r := NewRegistry(store.NewMemory(), quietLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := Lookup(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.tier, f.Tier)
			assert.Equal(t, tt.tier, TierOf(tt.name))
			assert.Equal(t, tt.enabled, r.IsEnabled(tt.name))
			assert.Equal(t, tt.auto, AutoDisableAllowed(tt.name))
		})
	}
	assert.Len(t, Features(), len(tests))
}

func TestUnknownFeatureIsFailClosed(t *testing.T) {
	kv := store.NewMemory()
	r := NewRegistry(kv, quietLogger())
	assert.False(t, r.IsEnabled("nonexistent-feature"))

	r.Init(context.Background())
	assert.False(t, r.IsEnabled("nonexistent-feature"))
	assert.False(t, AutoDisableAllowed("nonexistent-feature"))
	assert.Empty(t, TierOf("nonexistent-feature"))

	err := r.SetFlag(context.Background(), "nonexistent-feature", true)
	assert.ErrorIs(t, err, ErrUnknownFeature)
	assert.False(t, r.IsEnabled("nonexistent-feature"))
}

func TestInitSeedsDefaults(t *testing.T) {
	kv := store.NewMemory()
	r := NewRegistry(kv, quietLogger())
	r.Init(context.Background())

	assert.Equal(t, Defaults(), storedFlags(t, kv))
}

func TestInitMergesPersistedOverDefaults(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Put(ctx, map[string][]byte{
		StateKey: []byte(`{"enableJobAgeBadges":false,"enableSalaryParsing":true,"retiredFeature":true}`),
	}))

	r := NewRegistry(kv, quietLogger())
	r.Init(ctx)

	assert.False(t, r.IsEnabled(JobAgeBadges), "persisted value wins")
	assert.True(t, r.IsEnabled(SalaryParsing))
	assert.True(t, r.IsEnabled(APIInterceptor), "missing keys fall back to defaults")
	assert.False(t, r.IsEnabled("retiredFeature"), "unknown persisted names are ignored")
}

func TestInitToleratesBrokenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupt record", func(t *testing.T) {
		kv := store.NewMemory()
		require.NoError(t, kv.Put(ctx, map[string][]byte{StateKey: []byte("][")}))
		r := NewRegistry(kv, quietLogger())
		r.Init(ctx)
		for name, want := range Defaults() {
			assert.Equal(t, want, r.IsEnabled(name), name)
		}
	})

	t.Run("unreadable store", func(t *testing.T) {
		kv := store.NewMemory()
		kv.SetErr(errors.New("unavailable"))
		r := NewRegistry(kv, quietLogger())
		r.Init(ctx)
		for name, want := range Defaults() {
			assert.Equal(t, want, r.IsEnabled(name), name)
		}
	})
}

func TestSetFlagPersistsImmediately(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	r := NewRegistry(kv, quietLogger())
	r.Init(ctx)
	before := kv.Writes()

	require.NoError(t, r.SetFlag(ctx, BenefitsBadges, true))

	assert.Equal(t, before+1, kv.Writes())
	assert.True(t, storedFlags(t, kv)[BenefitsBadges])

	reloaded := NewRegistry(kv, quietLogger())
	reloaded.Init(ctx)
	assert.True(t, reloaded.IsEnabled(BenefitsBadges))
}

func TestSetFlagSurvivesWriteFailure(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	r := NewRegistry(kv, quietLogger())
	r.Init(ctx)

	kv.SetErr(errors.New("quota exceeded"))
	require.NoError(t, r.SetFlag(ctx, JobAgeBadges, false))
	assert.False(t, r.IsEnabled(JobAgeBadges))
}

func TestOnChangeReceivesTransitions(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory(), quietLogger())

	type change struct {
		name     string
		from, to bool
	}
	var got []change
	r.OnChange(func(_ context.Context, name string, from, to bool) {
		got = append(got, change{name, from, to})
	})

	require.NoError(t, r.SetFlag(ctx, JobAgeBadges, false))
	require.NoError(t, r.SetFlag(ctx, JobAgeBadges, true))

	assert.Equal(t, []change{
		{JobAgeBadges, true, false},
		{JobAgeBadges, false, true},
	}, got)
}

func TestResetToDefaults(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	r := NewRegistry(kv, quietLogger())
	r.Init(ctx)

	require.NoError(t, r.SetFlag(ctx, JobAgeBadges, false))
	require.NoError(t, r.SetFlag(ctx, SalaryParsing, true))
	r.ResetToDefaults(ctx)

	assert.True(t, r.IsEnabled(JobAgeBadges))
	assert.False(t, r.IsEnabled(SalaryParsing))
	assert.Equal(t, Defaults(), storedFlags(t, kv))
}

func TestFlagsSnapshot(t *testing.T) {
	r := NewRegistry(store.NewMemory(), quietLogger())
	states := r.Flags()

	require.Len(t, states, len(Features()))
	assert.Equal(t, JobAgeBadges, states[0].Name)
	assert.Equal(t, "Job Age Badges", states[0].Label)
	assert.True(t, states[0].Enabled)
}
