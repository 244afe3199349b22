// Package mock provides an in-memory gateway.Gateway for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/projecteru2/openportal/gateway"
	"github.com/projecteru2/openportal/types"
)

// Container is the mock's record of one provisioned sandbox container.
type Container struct {
	Handle        string
	SandboxID     string
	Spec          types.ResourceSpec
	WorkspacePath string
	Address       string
	Polls         int
	Terminated    bool
}

// Gateway is a scriptable in-memory gateway. Errors maps a method name to
// an error that method returns; ReadyAfter delays AddressOf readiness by
// that many polls; Gate, when set, blocks Provision until the channel is
// closed or yields.
type Gateway struct {
	mu sync.Mutex

	Containers map[string]*Container
	Errors     map[string]error
	ReadyAfter int
	Gate       chan struct{}

	ProvisionCalls int
	TerminateCalls int

	seq int
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates an empty mock gateway.
func New() *Gateway {
	return &Gateway{
		Containers: make(map[string]*Container),
		Errors:     make(map[string]error),
	}
}

func (m *Gateway) Type() string { return "mock" }

// SetError makes the named method return err; nil clears it.
func (m *Gateway) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[method] = err
}

// Provision records the call and returns a fresh handle.
func (m *Gateway) Provision(ctx context.Context, id string, spec types.ResourceSpec, workspacePath string) (string, error) {
	m.mu.Lock()
	gate := m.Gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProvisionCalls++
	if err := m.Errors["Provision"]; err != nil {
		return "", err
	}
	m.seq++
	handle := fmt.Sprintf("mock-%d", m.seq)
	m.Containers[handle] = &Container{
		Handle:        handle,
		SandboxID:     id,
		Spec:          spec,
		WorkspacePath: workspacePath,
		Address:       fmt.Sprintf("http://10.88.0.%d:4096", m.seq),
	}
	return handle, nil
}

// Terminate marks the container gone. Unknown handles are success.
func (m *Gateway) Terminate(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TerminateCalls++
	if err := m.Errors["Terminate"]; err != nil {
		return err
	}
	if c := m.Containers[handle]; c != nil {
		c.Terminated = true
	}
	return nil
}

// AddressOf returns the container address, gateway.ErrNotReady for the
// first ReadyAfter polls, and a hard error for terminated handles.
func (m *Gateway) AddressOf(ctx context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["AddressOf"]; err != nil {
		return "", err
	}
	c := m.Containers[handle]
	if c == nil || c.Terminated {
		return "", fmt.Errorf("container %s gone", handle)
	}
	c.Polls++
	if c.Polls <= m.ReadyAfter {
		return "", gateway.ErrNotReady
	}
	return c.Address, nil
}

// Live returns handles of containers that have not been terminated.
func (m *Gateway) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for h, c := range m.Containers {
		if !c.Terminated {
			out = append(out, h)
		}
	}
	return out
}

// Lookup returns the container record for handle, or nil.
func (m *Gateway) Lookup(handle string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.Containers[handle]; c != nil {
		cp := *c
		return &cp
	}
	return nil
}
