package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

// Noop discards every update.
type Noop struct{}

func (Noop) Incr(string)           {}
func (Noop) Decr(string)           {}
func (Noop) RegisterMetric(string) {}
