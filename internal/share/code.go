package share

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeGenerator produces fixed-width numeric share codes drawn uniformly at
// random from the full code space (e.g. 000000-999999 for 6 digits). It does
// not guarantee uniqueness; the store's insert path enforces that with a
// unique constraint and the manager retries on collision.
type CodeGenerator struct {
	length int
	max    *big.Int
}

// NewCodeGenerator creates a generator for codes of the given digit count
func NewCodeGenerator(length int) *CodeGenerator {
	max := big.NewInt(10)
	max.Exp(max, big.NewInt(int64(length)), nil)
	return &CodeGenerator{
		length: length,
		max:    max,
	}
}

// Generate returns a new random code, zero-padded to the configured width
func (g *CodeGenerator) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, g.max)
	if err != nil {
		return "", fmt.Errorf("failed to generate share code: %w", err)
	}
	return fmt.Sprintf("%0*d", g.length, n), nil
}

// ValidateCode rejects malformed codes before any store access
func (g *CodeGenerator) ValidateCode(code string) error {
	if len(code) != g.length {
		return ErrInvalidCode
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return ErrInvalidCode
		}
	}
	return nil
}
