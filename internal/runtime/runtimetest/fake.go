// Package runtimetest provides an in-memory runtime.Engine for tests.
package runtimetest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dyluth/skillbox/internal/runtime"
)

// Engine is a fake container engine. Containers, images and networks live in
// maps; the Err* fields inject failures into the matching call.
type Engine struct {
	mu sync.Mutex

	Containers map[string]*runtime.Container
	Details    map[string]runtime.ContainerDetails
	Images     map[string]bool
	NetworkSet map[string]*runtime.Network

	// Runs records every RunSpec passed to Run, including failed ones.
	Runs []runtime.RunSpec
	// Calls records method names in call order.
	Calls []string
	// Connections records "network -> container" attachments.
	Connections []string
	// BuildContexts records the files present in each build context directory.
	BuildContexts map[string][]string

	// HonorContext makes every call fail with ctx.Err() once ctx is done,
	// the way the Docker client does.
	HonorContext bool
	// BeforeCall runs at the start of every call with the method name. It
	// must not call back into the engine.
	BeforeCall func(method string)

	ErrBuild       error
	ErrPull        error
	ErrRun         error
	ErrStart       error
	ErrStop        error
	ErrRemove      error
	ErrRemoveImage error
	ErrConnect     error
	ErrList        error

	nextID int
}

// New returns an empty fake engine with the default bridge network.
func New() *Engine {
	return &Engine{
		Containers:    map[string]*runtime.Container{},
		Details:       map[string]runtime.ContainerDetails{},
		Images:        map[string]bool{},
		NetworkSet:    map[string]*runtime.Network{"bridge": {ID: "net-bridge", Name: "bridge"}},
		BuildContexts: map[string][]string{},
	}
}

// AddContainer registers an existing container and returns it.
func (e *Engine) AddContainer(c runtime.Container) *runtime.Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.ID == "" {
		c.ID = e.newID("ctr")
	}
	if c.State == "" {
		c.State = runtime.StateExited
	}
	e.Containers[c.ID] = &c
	return &c
}

// Called reports whether method was invoked.
func (e *Engine) Called(method string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.Calls {
		if c == method {
			return true
		}
	}
	return false
}

// Container returns a copy of the container with the given ID.
func (e *Engine) Container(id string) (runtime.Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.Containers[id]
	if !ok {
		return runtime.Container{}, false
	}
	return *c, true
}

func (e *Engine) newID(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d", prefix, e.nextID)
}

func (e *Engine) enter(ctx context.Context, method string) error {
	e.Calls = append(e.Calls, method)
	if e.BeforeCall != nil {
		e.BeforeCall(method)
	}
	if e.HonorContext {
		return ctx.Err()
	}
	return nil
}

func (e *Engine) Build(ctx context.Context, contextDir, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Build"); err != nil {
		return err
	}
	if e.ErrBuild != nil {
		return e.ErrBuild
	}
	entries, err := os.ReadDir(contextDir)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	e.BuildContexts[tag] = names
	e.Images[tag] = true
	return nil
}

func (e *Engine) Pull(ctx context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Pull"); err != nil {
		return err
	}
	if e.ErrPull != nil {
		return e.ErrPull
	}
	e.Images[ref] = true
	return nil
}

func (e *Engine) Tag(ctx context.Context, source, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Tag"); err != nil {
		return err
	}
	if !e.Images[source] {
		return fmt.Errorf("image %s: %w", source, runtime.ErrNotFound)
	}
	e.Images[target] = true
	return nil
}

func (e *Engine) RemoveImage(ctx context.Context, ref string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "RemoveImage"); err != nil {
		return err
	}
	if e.ErrRemoveImage != nil {
		return e.ErrRemoveImage
	}
	if !e.Images[ref] {
		return fmt.Errorf("image %s: %w", ref, runtime.ErrNotFound)
	}
	delete(e.Images, ref)
	return nil
}

func (e *Engine) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Run"); err != nil {
		return runtime.Container{}, err
	}
	e.Runs = append(e.Runs, spec)
	if e.ErrRun != nil {
		return runtime.Container{}, e.ErrRun
	}
	if !e.Images[spec.Image] {
		return runtime.Container{}, fmt.Errorf("image %s: %w", spec.Image, runtime.ErrNotFound)
	}
	for _, c := range e.Containers {
		if c.HasName(spec.Name) {
			return runtime.Container{}, fmt.Errorf("container name %s already in use", spec.Name)
		}
	}

	c := &runtime.Container{
		ID:     e.newID("ctr"),
		Names:  []string{spec.Name},
		Image:  spec.Image,
		Labels: spec.Labels,
		State:  runtime.StateRunning,
	}
	e.Containers[c.ID] = c
	if spec.Network != "" {
		e.Connections = append(e.Connections, spec.Network+" -> "+c.ID)
	}
	return *c, nil
}

func (e *Engine) List(ctx context.Context, opts runtime.ListOptions) ([]runtime.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "List"); err != nil {
		return nil, err
	}
	if e.ErrList != nil {
		return nil, e.ErrList
	}

	var key, value string
	if opts.Label != "" {
		parts := strings.SplitN(opts.Label, "=", 2)
		key = parts[0]
		if len(parts) == 2 {
			value = parts[1]
		}
	}

	var out []runtime.Container
	for _, c := range e.Containers {
		if !opts.All && !c.IsRunning() {
			continue
		}
		if key != "" {
			if v, ok := c.Labels[key]; !ok || v != value {
				continue
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

func (e *Engine) Inspect(ctx context.Context, id string) (runtime.ContainerDetails, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Inspect"); err != nil {
		return runtime.ContainerDetails{}, err
	}
	if d, ok := e.Details[id]; ok {
		return d, nil
	}
	if c, ok := e.Containers[id]; ok {
		return runtime.ContainerDetails{ID: c.ID}, nil
	}
	return runtime.ContainerDetails{}, fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
}

func (e *Engine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Start"); err != nil {
		return err
	}
	if e.ErrStart != nil {
		return e.ErrStart
	}
	c, ok := e.Containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	c.State = runtime.StateRunning
	return nil
}

func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Stop"); err != nil {
		return err
	}
	if e.ErrStop != nil {
		return e.ErrStop
	}
	c, ok := e.Containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	c.State = runtime.StateExited
	return nil
}

func (e *Engine) Kill(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Kill"); err != nil {
		return err
	}
	c, ok := e.Containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	c.State = runtime.StateExited
	return nil
}

func (e *Engine) Remove(ctx context.Context, id string, _ runtime.RemoveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Remove"); err != nil {
		return err
	}
	if e.ErrRemove != nil {
		return e.ErrRemove
	}
	if _, ok := e.Containers[id]; !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	delete(e.Containers, id)
	return nil
}

func (e *Engine) Networks(ctx context.Context, name string) ([]runtime.Network, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Networks"); err != nil {
		return nil, err
	}
	n, ok := e.NetworkSet[name]
	if !ok {
		return nil, nil
	}
	return []runtime.Network{*n}, nil
}

func (e *Engine) CreateNetwork(ctx context.Context, spec runtime.NetworkSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "CreateNetwork"); err != nil {
		return "", err
	}
	if _, ok := e.NetworkSet[spec.Name]; ok {
		return "", fmt.Errorf("network %s already exists", spec.Name)
	}
	id := e.newID("net")
	e.NetworkSet[spec.Name] = &runtime.Network{ID: id, Name: spec.Name}
	return id, nil
}

func (e *Engine) Connect(ctx context.Context, networkID, containerID string, _ []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(ctx, "Connect"); err != nil {
		return err
	}
	if e.ErrConnect != nil {
		return e.ErrConnect
	}
	for _, n := range e.NetworkSet {
		if n.ID == networkID || n.Name == networkID {
			n.Containers = append(n.Containers, containerID)
			e.Connections = append(e.Connections, n.Name+" -> "+containerID)
			return nil
		}
	}
	return fmt.Errorf("network %s: %w", networkID, runtime.ErrNotFound)
}
