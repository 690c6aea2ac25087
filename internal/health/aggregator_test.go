package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/runtime"
)

func TestComputeRunningIsTheOnlyHealthSignal(t *testing.T) {
	rt := runtime.NewFake(
		runtime.Container{Name: "dendrite", Status: runtime.StatusRunning},
		runtime.Container{Name: "postgres", Status: runtime.StatusRunning},
		runtime.Container{Name: "signal-bridge", Status: runtime.StatusStopped},
		runtime.Container{Name: "nginx", Status: runtime.StatusOther},
	)
	r, err := NewAggregator(rt, nil).Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 4, Healthy: 2, Unhealthy: 2}, r.Summary)
	assert.ElementsMatch(t, []string{"signal-bridge", "nginx"}, r.Unhealthy())
	assert.Equal(t, r.Summary.Total, r.Summary.Healthy+r.Summary.Unhealthy)
}

func TestComputeEmptyFleet(t *testing.T) {
	r, err := NewAggregator(runtime.NewFake(), nil).Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, r.Summary)
	assert.NotNil(t, r.Services)
}

func TestComputeRuntimeError(t *testing.T) {
	rt := runtime.NewFake()
	rt.ListErr = errors.New("daemon down")
	_, err := NewAggregator(rt, nil).Compute(context.Background())
	require.Error(t, err)
	var rtErr *runtime.Error
	assert.True(t, errors.As(err, &rtErr))
}
