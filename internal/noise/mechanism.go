// Package noise implements the calibrated random mechanisms that perturb
// exact aggregates before release.
package noise

import (
	"math"
	"strings"

	"duckdp/internal/domain"
)

// Kind names a mechanism.
type Kind string

// KindLaplace and KindGaussian are the supported mechanisms.
const (
	KindLaplace  Kind = "laplace"
	KindGaussian Kind = "gaussian"
)

// ParseKind resolves a case-insensitive mechanism name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindLaplace, "":
		return KindLaplace, nil
	case KindGaussian:
		return KindGaussian, nil
	default:
		return "", domain.ErrValidation("unknown noise mechanism %q (want laplace or gaussian)", s)
	}
}

// Mechanism perturbs a true value given its sensitivity and epsilon.
// AddNoise is unbiased: its expectation equals the true value.
type Mechanism interface {
	Kind() Kind
	AddNoise(value, sensitivity, epsilon float64) (float64, error)
	// Scale is the Laplace scale b or the Gaussian standard deviation.
	Scale(sensitivity, epsilon float64) (float64, error)
	// Accuracy is the half width of the interval that contains the noise
	// with probability 1-alpha.
	Accuracy(sensitivity, epsilon, alpha float64) (float64, error)
}

// New builds a mechanism of the given kind. delta is only used by the
// Gaussian mechanism. A nil src selects CryptoSource.
func New(kind Kind, delta float64, src Source) (Mechanism, error) {
	switch kind {
	case KindLaplace, "":
		return NewLaplace(src), nil
	case KindGaussian:
		return NewGaussian(delta, src)
	default:
		return nil, domain.ErrValidation("unknown noise mechanism %q", kind)
	}
}

// DeltaOf returns the δ of m, or 0 for a pure ε mechanism.
func DeltaOf(m Mechanism) float64 {
	if d, ok := m.(interface{ Delta() float64 }); ok {
		return d.Delta()
	}
	return 0
}

// ForShare returns the mechanism for one measurement that receives delta of
// the query's δ. Mechanisms without a δ are returned unchanged.
func ForShare(m Mechanism, delta float64) (Mechanism, error) {
	g, ok := m.(*Gaussian)
	if !ok || delta == g.delta {
		return m, nil
	}
	return g.WithDelta(delta)
}

// Laplace adds noise drawn from Laplace(0, sensitivity/epsilon).
type Laplace struct {
	src Source
}

// NewLaplace returns a Laplace mechanism. A nil src selects CryptoSource.
func NewLaplace(src Source) *Laplace {
	if src == nil {
		src = CryptoSource()
	}
	return &Laplace{src: src}
}

// Kind implements Mechanism.
func (l *Laplace) Kind() Kind { return KindLaplace }

// Scale returns sensitivity/epsilon.
func (l *Laplace) Scale(sensitivity, epsilon float64) (float64, error) {
	if err := validate(sensitivity, epsilon); err != nil {
		return 0, err
	}
	return sensitivity / epsilon, nil
}

// AddNoise implements Mechanism.
func (l *Laplace) AddNoise(value, sensitivity, epsilon float64) (float64, error) {
	b, err := l.Scale(sensitivity, epsilon)
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return value, nil
	}
	return value + sampleLaplace(l.src, b), nil
}

// Accuracy returns b*ln(1/alpha).
func (l *Laplace) Accuracy(sensitivity, epsilon, alpha float64) (float64, error) {
	if err := validateAlpha(alpha); err != nil {
		return 0, err
	}
	b, err := l.Scale(sensitivity, epsilon)
	if err != nil {
		return 0, err
	}
	return b * math.Log(1/alpha), nil
}

// sampleLaplace draws from Laplace(0, b) by inverse transform.
func sampleLaplace(src Source, b float64) float64 {
	f := src.Float64()
	for f == 0 {
		f = src.Float64()
	}
	u := f - 0.5 // (-0.5, 0.5)
	if u < 0 {
		return b * math.Log(1+2*u)
	}
	return -b * math.Log(1-2*u)
}

// Gaussian adds noise drawn from N(0, σ²) with
// σ = sensitivity·√(2 ln(1.25/δ))/ε, giving (ε, δ)-differential privacy.
type Gaussian struct {
	src   Source
	delta float64
}

// NewGaussian returns a Gaussian mechanism. delta must be in (0, 1).
func NewGaussian(delta float64, src Source) (*Gaussian, error) {
	if math.IsNaN(delta) || delta <= 0 || delta >= 1 {
		return nil, domain.ErrInvalidBudget("delta must be in (0, 1), got %g", delta)
	}
	if src == nil {
		src = CryptoSource()
	}
	return &Gaussian{src: src, delta: delta}, nil
}

// Kind implements Mechanism.
func (g *Gaussian) Kind() Kind { return KindGaussian }

// Delta returns the configured δ.
func (g *Gaussian) Delta() float64 { return g.delta }

// WithDelta returns a Gaussian mechanism sharing g's source but calibrated
// for delta.
func (g *Gaussian) WithDelta(delta float64) (*Gaussian, error) {
	return NewGaussian(delta, g.src)
}

// Scale returns the standard deviation σ.
func (g *Gaussian) Scale(sensitivity, epsilon float64) (float64, error) {
	if err := validate(sensitivity, epsilon); err != nil {
		return 0, err
	}
	return sensitivity * math.Sqrt(2*math.Log(1.25/g.delta)) / epsilon, nil
}

// AddNoise implements Mechanism.
func (g *Gaussian) AddNoise(value, sensitivity, epsilon float64) (float64, error) {
	sigma, err := g.Scale(sensitivity, epsilon)
	if err != nil {
		return 0, err
	}
	if sigma == 0 {
		return value, nil
	}
	return value + sigma*sampleStandardNormal(g.src), nil
}

// Accuracy returns σ·z(1-alpha/2).
func (g *Gaussian) Accuracy(sensitivity, epsilon, alpha float64) (float64, error) {
	if err := validateAlpha(alpha); err != nil {
		return 0, err
	}
	sigma, err := g.Scale(sensitivity, epsilon)
	if err != nil {
		return 0, err
	}
	return sigma * math.Sqrt2 * math.Erfinv(1-alpha), nil
}

// sampleStandardNormal uses the Box-Muller transform.
func sampleStandardNormal(src Source) float64 {
	u1 := 1 - src.Float64() // (0, 1]
	u2 := src.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func validate(sensitivity, epsilon float64) error {
	if math.IsNaN(epsilon) || math.IsInf(epsilon, 0) || epsilon <= 0 {
		return domain.ErrInvalidBudget("epsilon must be a positive finite number, got %g", epsilon)
	}
	if math.IsNaN(sensitivity) || math.IsInf(sensitivity, 0) || sensitivity < 0 {
		return domain.ErrInvalidBudget("sensitivity must be a non-negative finite number, got %g", sensitivity)
	}
	return nil
}

func validateAlpha(alpha float64) error {
	if math.IsNaN(alpha) || alpha <= 0 || alpha >= 1 {
		return domain.ErrValidation("alpha must be in (0, 1), got %g", alpha)
	}
	return nil
}
