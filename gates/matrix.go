// Package gates implements the linear virtual gate transform that maps
// virtual channel buffers onto physical AWG lines.
package gates

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrDimensionMismatch reports inconsistent matrix or buffer dimensions.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInvalidGateNames reports empty, duplicated or overlapping gate names.
	ErrInvalidGateNames = errors.New("invalid gate names")
)

// Matrix holds M[real][virtual]. The zero value and New() describe a setup
// without virtual channels. A Matrix is shared by reference between all
// segments of a library; Set may only be called while no render is running.
type Matrix struct {
	mu      sync.RWMutex
	virtual []string
	real    []string
	weights [][]float64
	vIndex  map[string]int
	rIndex  map[string]int
}

// New returns an empty matrix.
func New() *Matrix {
	return &Matrix{}
}

// Set replaces the virtual gate definition.
func (m *Matrix) Set(virtual, real []string, matrix [][]float64) error {
	n := len(virtual)
	if len(real) != n || len(matrix) != n {
		return fmt.Errorf("%w: %d virtual, %d real names and %d matrix rows", ErrDimensionMismatch, len(virtual), len(real), len(matrix))
	}
	for i, row := range matrix {
		if len(row) != n {
			return fmt.Errorf("%w: matrix row %d has %d columns, want %d", ErrDimensionMismatch, i, len(row), n)
		}
	}
	vIndex, err := indexNames("virtual", virtual)
	if err != nil {
		return err
	}
	rIndex, err := indexNames("real", real)
	if err != nil {
		return err
	}
	for name := range vIndex {
		if _, clash := rIndex[name]; clash {
			return fmt.Errorf("%w: %s is both virtual and real", ErrInvalidGateNames, name)
		}
	}

	weights := make([][]float64, n)
	for i, row := range matrix {
		weights[i] = append([]float64(nil), row...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.virtual = append([]string(nil), virtual...)
	m.real = append([]string(nil), real...)
	m.weights = weights
	m.vIndex = vIndex
	m.rIndex = rIndex
	return nil
}

func indexNames(kind string, names []string) (map[string]int, error) {
	index := make(map[string]int, len(names))
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: %s name %d is empty", ErrInvalidGateNames, kind, i)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate %s name %s", ErrInvalidGateNames, kind, name)
		}
		index[name] = i
	}
	return index, nil
}

// IsVirtual reports whether name is a virtual channel.
func (m *Matrix) IsVirtual(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vIndex[name]
	return ok
}

// IsReal reports whether name is a real channel of the matrix.
func (m *Matrix) IsReal(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rIndex[name]
	return ok
}

// VirtualNames returns the virtual channel names in definition order.
func (m *Matrix) VirtualNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.virtual...)
}

// RealNames returns the real channel names in definition order.
func (m *Matrix) RealNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.real...)
}

// Weight returns M[real][virtual], zero for unknown names.
func (m *Matrix) Weight(real, virtual string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rIndex[real]
	if !ok {
		return 0
	}
	v, ok := m.vIndex[virtual]
	if !ok {
		return 0
	}
	return m.weights[r][v]
}

// Transform returns Σ_v M[real][v] · virtualBuffers[v]. Missing virtual
// buffers contribute zero; an unknown real name yields a zero buffer.
func (m *Matrix) Transform(real string, virtualBuffers map[string][]float64) ([]float64, error) {
	length, err := commonLength(virtualBuffers)
	if err != nil {
		return nil, err
	}
	out := make([]float64, length)
	if err := m.AccumulateInto(out, real, virtualBuffers); err != nil {
		return nil, err
	}
	return out, nil
}

// AccumulateInto adds the transform for real onto dst. Every virtual buffer
// must have len(dst) samples.
func (m *Matrix) AccumulateInto(dst []float64, real string, virtualBuffers map[string][]float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rIndex[real]
	if !ok {
		return nil
	}
	row := m.weights[r]
	for v, name := range m.virtual {
		buf, present := virtualBuffers[name]
		if !present {
			continue
		}
		if len(buf) != len(dst) {
			return fmt.Errorf("%w: virtual buffer %s has %d samples, want %d", ErrDimensionMismatch, name, len(buf), len(dst))
		}
		w := row[v]
		if w == 0 {
			continue
		}
		for i, x := range buf {
			dst[i] += w * x
		}
	}
	return nil
}

func commonLength(buffers map[string][]float64) (int, error) {
	length := -1
	for name, buf := range buffers {
		if length >= 0 && len(buf) != length {
			return 0, fmt.Errorf("%w: virtual buffer %s has %d samples, want %d", ErrDimensionMismatch, name, len(buf), length)
		}
		length = len(buf)
	}
	if length < 0 {
		return 0, nil
	}
	return length, nil
}
