package gates

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetValidatesDimensions(t *testing.T) {
	m := New()
	err := m.Set([]string{"vP1", "vP2"}, []string{"P1"}, [][]float64{{1, 0}, {0, 1}})
	require.True(t, errors.Is(err, ErrDimensionMismatch))

	err = m.Set([]string{"vP1", "vP2"}, []string{"P1", "P2"}, [][]float64{{1, 0}, {0}})
	require.True(t, errors.Is(err, ErrDimensionMismatch))

	err = m.Set([]string{"vP1", "vP1"}, []string{"P1", "P2"}, [][]float64{{1, 0}, {0, 1}})
	require.True(t, errors.Is(err, ErrInvalidGateNames))

	err = m.Set([]string{"P1"}, []string{"P1"}, [][]float64{{1}})
	require.True(t, errors.Is(err, ErrInvalidGateNames))

	err = m.Set([]string{""}, []string{"P1"}, [][]float64{{1}})
	require.True(t, errors.Is(err, ErrInvalidGateNames))

	require.Empty(t, m.VirtualNames())
}

func TestSetCopiesInput(t *testing.T) {
	m := New()
	weights := [][]float64{{1, 0.5}, {0.25, 1}}
	require.NoError(t, m.Set([]string{"vP1", "vP2"}, []string{"P1", "P2"}, weights))
	weights[0][1] = 99
	require.Equal(t, 0.5, m.Weight("P1", "vP2"))
	require.Equal(t, 0.25, m.Weight("P2", "vP1"))
	require.Equal(t, 0.0, m.Weight("X", "vP1"))
	require.True(t, m.IsVirtual("vP1"))
	require.False(t, m.IsVirtual("P1"))
	require.True(t, m.IsReal("P2"))
	require.Equal(t, []string{"P1", "P2"}, m.RealNames())
}

func TestTransform(t *testing.T) {
	m := New()
	require.NoError(t, m.Set([]string{"vP1", "vP2"}, []string{"P1", "P2"}, [][]float64{{1, 0.5}, {0, 2}}))

	out, err := m.Transform("P1", map[string][]float64{
		"vP1": {1, 2, 3},
		"vP2": {2, 2, 2},
	})
	require.NoError(t, err)
	require.Equal(t, []float64{2, 3, 4}, out)

	// missing virtual buffers contribute zero
	out, err = m.Transform("P2", map[string][]float64{"vP1": {1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 0}, out)

	out, err = m.Transform("unknown", map[string][]float64{"vP1": {1, 2}})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0}, out)

	_, err = m.Transform("P1", map[string][]float64{"vP1": {1, 2}, "vP2": {1}})
	require.True(t, errors.Is(err, ErrDimensionMismatch))
}

func TestTransformIsLinear(t *testing.T) {
	m := New()
	require.NoError(t, m.Set([]string{"vP1", "vP2"}, []string{"P1", "P2"}, [][]float64{{1, -0.3}, {0.2, 1}}))
	a := map[string][]float64{"vP1": {1, -2, 3}, "vP2": {0.5, 0, 4}}
	b := map[string][]float64{"vP1": {2, 2, 2}, "vP2": {-1, 3, 1}}
	const k = 2.5

	scaled := map[string][]float64{}
	sum := map[string][]float64{}
	for name := range a {
		scaled[name] = make([]float64, 3)
		sum[name] = make([]float64, 3)
		for i := range a[name] {
			scaled[name][i] = k * a[name][i]
			sum[name][i] = a[name][i] + b[name][i]
		}
	}

	for _, real := range []string{"P1", "P2"} {
		ta, err := m.Transform(real, a)
		require.NoError(t, err)
		tb, err := m.Transform(real, b)
		require.NoError(t, err)
		tk, err := m.Transform(real, scaled)
		require.NoError(t, err)
		ts, err := m.Transform(real, sum)
		require.NoError(t, err)
		for i := range ta {
			require.InDelta(t, k*ta[i], tk[i], 1e-12)
			require.InDelta(t, ta[i]+tb[i], ts[i], 1e-12)
		}
	}
}

func TestAccumulateIntoChecksLength(t *testing.T) {
	m := New()
	require.NoError(t, m.Set([]string{"vP1"}, []string{"P1"}, [][]float64{{1}}))
	dst := []float64{1, 1}
	require.NoError(t, m.AccumulateInto(dst, "P1", map[string][]float64{"vP1": {1, 2}}))
	require.Equal(t, []float64{2, 3}, dst)
	err := m.AccumulateInto(dst, "P1", map[string][]float64{"vP1": {1}})
	require.True(t, errors.Is(err, ErrDimensionMismatch))
}
