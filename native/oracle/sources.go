package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"

	"rateswap/core/num"
)

// Source supplies one independent reading of the floating reference rate as
// an annual fraction (0.05 = 5%).
type Source interface {
	Name() string
	Rate(ctx context.Context) (num.Decimal, error)
}

var errNoManualRate = errors.New("oracle: manual source has no rate")

// StaticSource always reports the same rate.
type StaticSource struct {
	SourceName string
	Value      num.Decimal
}

func (s StaticSource) Name() string { return s.SourceName }

func (s StaticSource) Rate(context.Context) (num.Decimal, error) { return s.Value, nil }

// ManualSource is a settable source for operators and tests.
type ManualSource struct {
	name string

	mu   sync.RWMutex
	rate *num.Decimal
	err  error
}

func NewManualSource(name string) *ManualSource {
	return &ManualSource{name: strings.TrimSpace(name)}
}

func (m *ManualSource) Name() string { return m.name }

func (m *ManualSource) Set(rate num.Decimal) {
	m.mu.Lock()
	m.rate = &rate
	m.err = nil
	m.mu.Unlock()
}

// Fail makes subsequent reads return err until the next Set.
func (m *ManualSource) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *ManualSource) Rate(context.Context) (num.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return num.DecimalZero, m.err
	}
	if m.rate == nil {
		return num.DecimalZero, errNoManualRate
	}
	return *m.rate, nil
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc struct {
	SourceName string
	Fetch      func(ctx context.Context) (num.Decimal, error)
}

func (f SourceFunc) Name() string { return f.SourceName }

func (f SourceFunc) Rate(ctx context.Context) (num.Decimal, error) {
	if f.Fetch == nil {
		return num.DecimalZero, errors.New("oracle: source func not configured")
	}
	return f.Fetch(ctx)
}
