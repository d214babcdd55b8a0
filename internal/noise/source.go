package noise

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync"
)

// Source produces uniform floats in [0, 1). Implementations must be safe
// for concurrent use.
type Source interface {
	Float64() float64
}

// CryptoSource returns a Source backed by crypto/rand. It is the default
// for every mechanism.
func CryptoSource() Source { return cryptoSource{} }

type cryptoSource struct{}

func (cryptoSource) Float64() float64 {
	var buf [8]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf[:])
	return float64(binary.LittleEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// NewSeededSource returns a deterministic Source for tests and reproducible
// simulations. Never use it to release real results.
func NewSeededSource(seed uint64) Source {
	return &seededSource{r: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type seededSource struct {
	mu sync.Mutex
	r  *mrand.Rand
}

func (s *seededSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}
