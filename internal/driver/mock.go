package driver

import (
	"context"
	"fmt"
	"sync"

	"precip/internal/registry"
)

// MockDriver is a function-field-injectable Driver for exercising the
// lifecycle engine and fan-out executor without a live backend, mirroring
// the XxxFunc-per-method mock style used throughout the pack. Any Func
// field left nil falls back to a reasonable default so tests only need to
// override the behavior they care about.
type MockDriver struct {
	NameFunc           func() string
	CapabilitiesFunc   func() Capabilities
	PrepareAccountFunc func(ctx context.Context, uid, publicKeyPath string) error
	StartOneFunc       func(ctx context.Context, params registry.LaunchParams) (string, error)
	PollReadyFunc      func(ctx context.Context, handle string) (PollOutcome, error)
	AddressesFunc      func(ctx context.Context, handle string) (public, private string, err error)
	TerminateFunc      func(ctx context.Context, handle string) error

	mu         sync.Mutex
	starts     int
	terminated map[string]bool
}

var _ Driver = (*MockDriver)(nil)

// NewMockDriver returns a MockDriver that reports every instance Ready on
// the first poll, with deterministic fake addresses; a sane default for
// tests that only care about engine bookkeeping.
func NewMockDriver() *MockDriver {
	return &MockDriver{terminated: make(map[string]bool)}
}

func (m *MockDriver) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

func (m *MockDriver) Capabilities() Capabilities {
	if m.CapabilitiesFunc != nil {
		return m.CapabilitiesFunc()
	}
	return Capabilities{MaxTags: 10, AdminUser: "root", BootstrapPath: "/root/vm-bootstrap.sh"}
}

func (m *MockDriver) PrepareAccount(ctx context.Context, uid, publicKeyPath string) error {
	if m.PrepareAccountFunc != nil {
		return m.PrepareAccountFunc(ctx, uid, publicKeyPath)
	}
	return nil
}

func (m *MockDriver) StartOne(ctx context.Context, params registry.LaunchParams) (string, error) {
	m.mu.Lock()
	m.starts++
	n := m.starts
	m.mu.Unlock()

	if m.StartOneFunc != nil {
		return m.StartOneFunc(ctx, params)
	}
	return fmt.Sprintf("mock-instance-%d", n), nil
}

func (m *MockDriver) PollReady(ctx context.Context, handle string) (PollOutcome, error) {
	if m.PollReadyFunc != nil {
		return m.PollReadyFunc(ctx, handle)
	}
	return PollOutcome{Status: StatusReady}, nil
}

func (m *MockDriver) Addresses(ctx context.Context, handle string) (public, private string, err error) {
	if m.AddressesFunc != nil {
		return m.AddressesFunc(ctx, handle)
	}
	return handle + ".public.example", handle + ".private.example", nil
}

func (m *MockDriver) Terminate(ctx context.Context, handle string) error {
	m.mu.Lock()
	m.terminated[handle] = true
	m.mu.Unlock()

	if m.TerminateFunc != nil {
		return m.TerminateFunc(ctx, handle)
	}
	return nil
}

// StartCount reports how many times StartOne has been called, for tests
// asserting on retry behavior.
func (m *MockDriver) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Terminated reports whether Terminate has been called for handle.
func (m *MockDriver) Terminated(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated[handle]
}
