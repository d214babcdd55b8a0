package noise

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckdp/internal/domain"
)

func sampleMoments(t *testing.T, m Mechanism, value, sensitivity, epsilon float64, n int) (mean, variance float64) {
	t.Helper()
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		v, err := m.AddNoise(value, sensitivity, epsilon)
		require.NoError(t, err)
		d := v - value
		sum += d
		sumSq += d * d
	}
	bias := sum / float64(n)
	return value + bias, sumSq/float64(n) - bias*bias
}

func TestLaplace_Unbiased(t *testing.T) {
	tests := []struct {
		name        string
		src         Source
		value       float64
		sensitivity float64
		epsilon     float64
	}{
		{"seeded count", NewSeededSource(1), 1000, 1, 1},
		{"seeded sum", NewSeededSource(2), 52000, 10, 0.5},
		{"crypto", CryptoSource(), -3.5, 1, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewLaplace(tc.src)
			const n = 200000
			mean, variance := sampleMoments(t, m, tc.value, tc.sensitivity, tc.epsilon, n)

			b := tc.sensitivity / tc.epsilon
			// Six standard errors of the mean.
			tol := 6 * math.Sqrt(2*b*b/n)
			assert.InDelta(t, tc.value, mean, tol)
			assert.InEpsilon(t, 2*b*b, variance, 0.05)
		})
	}
}

func TestGaussian_Unbiased(t *testing.T) {
	g, err := NewGaussian(1e-5, NewSeededSource(7))
	require.NoError(t, err)

	sigma, err := g.Scale(1, 1)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(2*math.Log(1.25/1e-5)), sigma, 1e-12)

	const n = 200000
	mean, variance := sampleMoments(t, g, 10, 1, 1, n)
	assert.InDelta(t, 10, mean, 6*sigma/math.Sqrt(n))
	assert.InEpsilon(t, sigma*sigma, variance, 0.05)
}

func TestAddNoise_InvalidEpsilon(t *testing.T) {
	g, err := NewGaussian(1e-6, nil)
	require.NoError(t, err)

	for _, m := range []Mechanism{NewLaplace(nil), g} {
		for _, eps := range []float64{0, -0.1, -100, math.NaN(), math.Inf(1), math.Inf(-1)} {
			_, err := m.AddNoise(5, 1, eps)
			var ibe *domain.InvalidBudgetError
			assert.ErrorAs(t, err, &ibe, "%s epsilon=%v", m.Kind(), eps)
		}
	}
}

func TestAddNoise_InvalidSensitivity(t *testing.T) {
	m := NewLaplace(nil)
	for _, s := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := m.AddNoise(5, s, 1)
		var ibe *domain.InvalidBudgetError
		assert.ErrorAs(t, err, &ibe, "sensitivity=%v", s)
	}
}

func TestAddNoise_ZeroSensitivity(t *testing.T) {
	v, err := NewLaplace(nil).AddNoise(42, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestLaplace_Scale(t *testing.T) {
	b, err := NewLaplace(nil).Scale(200000, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 400000, b, 0)
}

func TestAccuracy(t *testing.T) {
	t.Run("laplace closed form", func(t *testing.T) {
		acc, err := NewLaplace(nil).Accuracy(2, 1, 0.05)
		require.NoError(t, err)
		assert.InDelta(t, 2*math.Log(20), acc, 1e-12)
	})

	t.Run("laplace coverage", func(t *testing.T) {
		m := NewLaplace(NewSeededSource(11))
		acc, err := m.Accuracy(1, 1, 0.1)
		require.NoError(t, err)

		const n = 100000
		outside := 0
		for i := 0; i < n; i++ {
			v, err := m.AddNoise(0, 1, 1)
			require.NoError(t, err)
			if math.Abs(v) > acc {
				outside++
			}
		}
		assert.InDelta(t, 0.1, float64(outside)/n, 0.01)
	})

	t.Run("gaussian", func(t *testing.T) {
		g, err := NewGaussian(1e-5, nil)
		require.NoError(t, err)
		sigma, err := g.Scale(1, 1)
		require.NoError(t, err)
		acc, err := g.Accuracy(1, 1, 0.05)
		require.NoError(t, err)
		assert.InDelta(t, 1.959964*sigma, acc, 1e-5*sigma)
	})

	t.Run("invalid alpha", func(t *testing.T) {
		for _, a := range []float64{0, 1, -0.5, math.NaN()} {
			_, err := NewLaplace(nil).Accuracy(1, 1, a)
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve, "alpha=%v", a)
		}
	})
}

func TestNewGaussian_InvalidDelta(t *testing.T) {
	for _, d := range []float64{0, 1, -1e-5, 2, math.NaN()} {
		_, err := NewGaussian(d, nil)
		var ibe *domain.InvalidBudgetError
		assert.ErrorAs(t, err, &ibe, "delta=%v", d)
	}
}

func TestParseKindAndNew(t *testing.T) {
	k, err := ParseKind("Laplace")
	require.NoError(t, err)
	assert.Equal(t, KindLaplace, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindLaplace, k)

	k, err = ParseKind(" GAUSSIAN ")
	require.NoError(t, err)
	assert.Equal(t, KindGaussian, k)

	_, err = ParseKind("exponential")
	require.Error(t, err)

	m, err := New(KindGaussian, 1e-5, nil)
	require.NoError(t, err)
	assert.Equal(t, KindGaussian, m.Kind())

	_, err = New(KindGaussian, 0, nil)
	require.Error(t, err)

	_, err = New("geometric", 0, nil)
	require.Error(t, err)
}

func TestSeededSource_Deterministic(t *testing.T) {
	a, b := NewSeededSource(99), NewSeededSource(99)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Float64(), b.Float64())
	}
}

func TestSources_Range(t *testing.T) {
	for _, src := range []Source{CryptoSource(), NewSeededSource(3)} {
		for i := 0; i < 10000; i++ {
			f := src.Float64()
			require.GreaterOrEqual(t, f, 0.0)
			require.Less(t, f, 1.0)
		}
	}
}

func TestLaplace_ConcurrentUse(t *testing.T) {
	m := NewLaplace(NewSeededSource(5))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_, err := m.AddNoise(1, 1, 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestForShare(t *testing.T) {
	g, err := NewGaussian(1e-5, NewSeededSource(1))
	require.NoError(t, err)
	assert.InDelta(t, 1e-5, DeltaOf(g), 0)

	m, err := ForShare(g, 2.5e-6)
	require.NoError(t, err)
	assert.InDelta(t, 2.5e-6, DeltaOf(m), 0)
	full, err := g.Scale(1, 1)
	require.NoError(t, err)
	part, err := m.Scale(1, 1)
	require.NoError(t, err)
	assert.Greater(t, part, full, "a smaller δ share needs more noise")

	same, err := ForShare(g, 1e-5)
	require.NoError(t, err)
	assert.Same(t, g, same)

	l := NewLaplace(nil)
	assert.Zero(t, DeltaOf(l))
	lm, err := ForShare(l, 0)
	require.NoError(t, err)
	assert.Same(t, l, lm)

	_, err = ForShare(g, 0)
	var ibe *domain.InvalidBudgetError
	assert.ErrorAs(t, err, &ibe)
}
