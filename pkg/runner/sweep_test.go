package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/bubbleform/pkg/config"
	"github.com/openfroyo/bubbleform/pkg/stores"
)

func TestVariants(t *testing.T) {
	base := config.DefaultScenario()
	variants, err := Variants(base, "procedure.drain_target_level", []string{"30", "40"})
	require.NoError(t, err)
	require.Len(t, variants, 2)

	assert.Equal(t, "baseline[procedure.drain_target_level=30]", variants[0].Name)
	assert.Equal(t, variants[0].Name, variants[0].Scenario.Name)
	assert.Equal(t, 30.0, variants[0].Scenario.Procedure.DrainTargetLevel)
	assert.Equal(t, 40.0, variants[1].Scenario.Procedure.DrainTargetLevel)

	_, err = Variants(base, "procedure.nope", []string{"1"})
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	journal := newJournal(t)
	r := New(Options{Journal: journal, JournalStepEvery: 100})

	base := config.DefaultScenario()
	variants, err := Variants(base, "heaters.power_kw", []string{"80", "100"})
	require.NoError(t, err)

	bad := base
	bad.Name = "bad"
	bad.Initial.MassOffset = -50
	variants = append(variants, Variant{Name: "bad", Scenario: bad})

	results, err := r.Sweep(context.Background(), variants, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variant bad")
	require.Len(t, results, 3)

	for i, res := range results {
		assert.Equal(t, variants[i].Name, res.Variant, "results keep variant order")
		require.NotNil(t, res.Summary)
		assert.Equal(t, variants[i].Name, res.Summary.Scenario)
	}
	assert.True(t, results[0].Summary.Completed())
	assert.True(t, results[1].Summary.Completed())
	assert.NoError(t, results[0].Err)
	assert.LessOrEqual(t, results[1].Summary.SimHours, results[0].Summary.SimHours, "more heater power does not finish later")
	assert.Equal(t, stores.RunStatusFailed, results[2].Summary.Status)
	assert.Error(t, results[2].Err)

	runs, err := journal.ListRuns(context.Background(), "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestSweepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	variants := []Variant{
		{Name: "a", Scenario: config.DefaultScenario()},
		{Name: "b", Scenario: config.DefaultScenario()},
	}
	results, err := New(Options{}).Sweep(ctx, variants, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Nil(t, res.Summary)
	}
}

func TestSweepEmpty(t *testing.T) {
	results, err := New(Options{}).Sweep(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Empty(t, results)
}
