// Package runtime defines the container engine capability the skill manager
// consumes. The Docker implementation lives in internal/docker.
package runtime

import (
	"context"
	"errors"
)

// ErrNotFound is wrapped by engine errors for missing containers, images or networks.
var ErrNotFound = errors.New("not found")

// Container states reported by the engine.
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateExited     = "exited"
	StateDead       = "dead"
)

// Container is a live handle on a container instance. It is never persisted.
type Container struct {
	ID     string
	Names  []string // without the leading slash
	Image  string
	Labels map[string]string
	State  string
}

// IsRunning reports whether the container is in the running state.
func (c Container) IsRunning() bool {
	return c.State == StateRunning
}

// IsStopped reports whether the container has no process to stop: it was
// never started, has exited or is dead.
func (c Container) IsStopped() bool {
	switch c.State {
	case StateCreated, StateExited, StateDead:
		return true
	}
	return false
}

// HasName reports whether name is one of the container's names.
func (c Container) HasName(name string) bool {
	for _, n := range c.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Mount is a volume or bind mount of an inspected container.
type Mount struct {
	Source      string
	Destination string
}

// ContainerDetails is the result of inspecting a container.
type ContainerDetails struct {
	ID     string
	Name   string
	Mounts []Mount
}

// Bind mounts a host directory into a container.
type Bind struct {
	Source string
	Target string
	Mode   string // "rw" or "ro"
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Image   string
	Name    string
	Env     map[string]string
	Network string
	Labels  map[string]string
	Binds   []Bind
}

// ListOptions filters container listings.
type ListOptions struct {
	All   bool   // include stopped containers
	Label string // "key=value" filter, empty for no filter
}

// RemoveOptions controls container removal.
type RemoveOptions struct {
	Force   bool
	Volumes bool
}

// Network is an engine network and the containers attached to it.
type Network struct {
	ID         string
	Name       string
	Containers []string // container IDs
}

// NetworkSpec describes a network to create.
type NetworkSpec struct {
	Name     string
	Driver   string
	Internal bool
	Labels   map[string]string
}

// Engine is the container engine capability. All calls block until the
// engine has completed the operation; image builds can take minutes.
type Engine interface {
	Build(ctx context.Context, contextDir, tag string) error
	Pull(ctx context.Context, ref string) error
	Tag(ctx context.Context, source, target string) error
	RemoveImage(ctx context.Context, ref string, force bool) error

	Run(ctx context.Context, spec RunSpec) (Container, error)
	List(ctx context.Context, opts ListOptions) ([]Container, error)
	Inspect(ctx context.Context, id string) (ContainerDetails, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, opts RemoveOptions) error

	Networks(ctx context.Context, name string) ([]Network, error)
	CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	Connect(ctx context.Context, networkID, containerID string, aliases []string) error
}

// IsNotFound reports whether err means the engine object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
