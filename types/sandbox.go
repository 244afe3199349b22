package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SandboxState represents the lifecycle state of a sandbox as recorded in the
// registry. Starting and Stopping are transient: a record holding one of them
// is owned by an in-flight transition and rejects competing requests.
type SandboxState string

const (
	StateStopped  SandboxState = "stopped"  // registered, no container
	StateStarting SandboxState = "starting" // container being provisioned
	StateRunning  SandboxState = "running"  // container up, address published
	StateStopping SandboxState = "stopping" // container being terminated
)

// Transient returns true for the in-flight states that act as per-sandbox
// transition markers.
func (s SandboxState) Transient() bool {
	return s == StateStarting || s == StateStopping
}

// ResourceSpec describes the resources requested for a sandbox.
// Fixed at creation time; a different shape requires a new sandbox.
type ResourceSpec struct {
	CPU    int   `json:"cpu"`
	Memory int64 `json:"memory"` // bytes

	GPUType  string `json:"gpu_type,omitempty"`
	GPUCount int    `json:"gpu_count,omitempty"`
}

// GPU renders the GPU request as "TYPE" or "TYPE:N". Empty when no GPU.
func (r ResourceSpec) GPU() string {
	if r.GPUType == "" {
		return ""
	}
	if r.GPUCount <= 1 {
		return r.GPUType
	}
	return fmt.Sprintf("%s:%d", r.GPUType, r.GPUCount)
}

// ParseGPU parses a "TYPE" or "TYPE:N" GPU request into type and count.
// Empty input means no GPU (type "", count 0).
func ParseGPU(s string) (string, int, error) {
	if s == "" {
		return "", 0, nil
	}
	typ, countStr, found := strings.Cut(s, ":")
	if typ == "" {
		return "", 0, fmt.Errorf("invalid GPU spec %q", s)
	}
	if !found {
		return typ, 1, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		return "", 0, fmt.Errorf("invalid GPU count in %q", s)
	}
	return typ, count, nil
}

// Sandbox is the persisted record for a single sandbox, and also the view
// returned to callers. Copies handed out by the controller are detached from
// the registry document.
type Sandbox struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	State SandboxState `json:"state"`

	// Handle is the gateway's opaque container reference. Non-empty only
	// while a container exists for this sandbox (starting/running/stopping).
	Handle string `json:"handle,omitempty"`
	// Address is the public endpoint of the agent process. Non-empty iff
	// the sandbox is running.
	Address string `json:"address,omitempty"`

	Spec          ResourceSpec `json:"spec"`
	WorkspacePath string       `json:"workspace_path"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}
