// Package lifecycle starts, stops, inspects and removes installed skills.
// The registry is the source of truth for which skills exist; containers are
// looked up by label on every call and never cached.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/internal/docker"
	"github.com/dyluth/skillbox/internal/registry"
	"github.com/dyluth/skillbox/internal/runtime"
	"github.com/dyluth/skillbox/internal/training"
	"github.com/dyluth/skillbox/pkg/skill"
)

// States reported for skills whose container cannot be inspected.
const (
	StateMissing = "missing"
	StateUnknown = "unknown"
)

// Result is returned by start, stop and delete.
type Result struct {
	State     string `json:"state"`
	Detail    string `json:"detail"`
	Container string `json:"container,omitempty"`
}

// Status is the public view of an installed skill. It omits the secret hash.
type Status struct {
	Name        string                  `json:"skill_name"`
	StartOnBoot bool                    `json:"start_on_boot"`
	TopicAccess map[string]skill.Access `json:"topic_access"`
	Container   string                  `json:"container,omitempty"`
	State       string                  `json:"container_state"`
}

// Controller drives skill containers.
type Controller struct {
	engine    runtime.Engine
	registry  *registry.Registry
	trainer   training.Service
	skillsDir string
	logger    *slog.Logger
}

// New creates a lifecycle controller.
func New(engine runtime.Engine, reg *registry.Registry, trainer training.Service, skillsDir string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		engine:    engine,
		registry:  reg,
		trainer:   trainer,
		skillsDir: skillsDir,
		logger:    logger.With("component", "lifecycle"),
	}
}

// List returns every registered skill with its container state.
func (c *Controller) List(ctx context.Context) ([]Status, error) {
	identities, err := c.registry.List(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to read registry")
	}

	statuses := make([]Status, 0, len(identities))
	for _, identity := range identities {
		statuses = append(statuses, c.status(ctx, identity))
	}
	return statuses, nil
}

// Get returns one skill's status.
func (c *Controller) Get(ctx context.Context, name string) (Status, error) {
	identity, err := c.identity(ctx, name)
	if err != nil {
		return Status{}, err
	}
	return c.status(ctx, identity), nil
}

// Stop stops a skill's container, killing it when force is set. Paused and
// restarting containers are stopped too. Stopping a stopped skill succeeds.
func (c *Controller) Stop(ctx context.Context, name string, force bool) (*Result, error) {
	ctr, err := c.requireContainer(ctx, name)
	if err != nil {
		return nil, err
	}

	if ctr.IsStopped() {
		return &Result{State: "success", Detail: fmt.Sprintf("the skill %s was already stopped", name), Container: ctr.ID}, nil
	}
	switch ctr.State {
	case runtime.StateRunning, runtime.StatePaused, runtime.StateRestarting:
	default:
		return nil, apierr.New(apierr.CodeInconsistentState, "container of %s is in state %q", name, ctr.State)
	}

	if force {
		err = c.engine.Kill(ctx, ctr.ID)
	} else {
		err = c.engine.Stop(ctx, ctr.ID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeEngineError, err, "failed to stop %s", name)
	}

	c.logger.Info("skill stopped", "event", "skill_stopped", "skill", name, "container", ctr.ID, "force", force)
	return &Result{State: "success", Detail: fmt.Sprintf("stopped %s", name), Container: ctr.ID}, nil
}

// Start starts a skill's container. Starting a running skill succeeds.
func (c *Controller) Start(ctx context.Context, name string) (*Result, error) {
	ctr, err := c.requireContainer(ctx, name)
	if err != nil {
		return nil, err
	}

	if ctr.IsRunning() {
		return &Result{State: "success", Detail: fmt.Sprintf("the skill %s is already running", name), Container: ctr.ID}, nil
	}

	if err := c.engine.Start(ctx, ctr.ID); err != nil {
		return nil, apierr.Wrap(apierr.CodeEngineError, err, "failed to start %s", name)
	}

	c.logger.Info("skill started", "event", "skill_started", "skill", name, "container", ctr.ID)
	return &Result{State: "success", Detail: fmt.Sprintf("the skill %s is now running", name), Container: ctr.ID}, nil
}

// Delete uninstalls a skill: container, image, directory, registry entry and
// training data, in that order. A training failure is reported after the
// local removal has completed. It runs to completion once started, even if
// ctx is cancelled.
func (c *Controller) Delete(ctx context.Context, name string, force bool) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	if _, err := c.identity(ctx, name); err != nil {
		return nil, err
	}

	ctr, found, err := c.findContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	if found {
		if err := c.removeContainer(ctx, ctr, force); err != nil {
			return nil, err
		}
	} else {
		c.logger.Warn("no container found for skill", "event", "container_missing", "skill", name)
	}

	tag := docker.ImageTag(name)
	if err := c.engine.RemoveImage(ctx, tag, force); err != nil {
		if !(force && runtime.IsNotFound(err)) {
			return nil, apierr.Wrap(apierr.CodeEngineError, err, "failed to remove image %s", tag)
		}
	}

	if err := os.RemoveAll(filepath.Join(c.skillsDir, name)); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to remove skill directory")
	}
	if _, err := c.registry.Remove(ctx, name); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to remove registry entry")
	}
	c.logger.Info("skill uninstalled", "event", "skill_uninstalled", "skill", name)

	result := &Result{State: "success", Detail: fmt.Sprintf("uninstalled %s", name)}
	if c.trainer == nil {
		return result, nil
	}
	if err := c.trainer.Sync(ctx, training.SentencesPath(name), ""); err != nil {
		c.logger.Warn("training failed after uninstall", "event", "training_failed", "skill", name, "error", err)
		return result, apierr.Wrap(apierr.CodeTrainingUnavailable, err, "unable to communicate with the training service")
	}
	return result, nil
}

func (c *Controller) removeContainer(ctx context.Context, ctr runtime.Container, force bool) error {
	if !force && !ctr.IsStopped() {
		if err := c.engine.Stop(ctx, ctr.ID); err != nil {
			return apierr.Wrap(apierr.CodeEngineError, err, "failed to stop container %s", ctr.ID)
		}
	}
	err := c.engine.Remove(ctx, ctr.ID, runtime.RemoveOptions{Force: force, Volumes: true})
	if err != nil && !(force && runtime.IsNotFound(err)) {
		return apierr.Wrap(apierr.CodeEngineError, err, "failed to remove container %s", ctr.ID)
	}
	return nil
}

func (c *Controller) identity(ctx context.Context, name string) (skill.Identity, error) {
	identity, found, err := c.registry.Get(ctx, name)
	if err != nil {
		return skill.Identity{}, apierr.Wrap(apierr.CodeInternal, err, "failed to read registry")
	}
	if !found {
		return skill.Identity{}, apierr.New(apierr.CodeNotFound, "skill not found")
	}
	return identity, nil
}

// requireContainer resolves a registered skill to its container. A registered
// skill without a container is an inconsistency, not a missing skill.
func (c *Controller) requireContainer(ctx context.Context, name string) (runtime.Container, error) {
	if _, err := c.identity(ctx, name); err != nil {
		return runtime.Container{}, err
	}
	ctr, found, err := c.findContainer(ctx, name)
	if err != nil {
		return runtime.Container{}, err
	}
	if !found {
		return runtime.Container{}, apierr.New(apierr.CodeInconsistentState, "skill present in registry but no container available")
	}
	return ctr, nil
}

func (c *Controller) findContainer(ctx context.Context, name string) (runtime.Container, bool, error) {
	containers, err := c.engine.List(ctx, runtime.ListOptions{All: true, Label: docker.SkillLabelFilter(name)})
	if err != nil {
		return runtime.Container{}, false, apierr.Wrap(apierr.CodeEngineError, err, "failed to list containers")
	}
	if len(containers) == 0 {
		return runtime.Container{}, false, nil
	}
	if len(containers) > 1 {
		c.logger.Warn("several containers carry the same skill label, using the first",
			"event", "duplicate_containers", "skill", name, "count", len(containers))
	}
	return containers[0], true, nil
}

func (c *Controller) status(ctx context.Context, identity skill.Identity) Status {
	st := Status{
		Name:        identity.Name,
		StartOnBoot: identity.StartOnBoot,
		TopicAccess: identity.TopicAccess,
		State:       StateMissing,
	}
	ctr, found, err := c.findContainer(ctx, identity.Name)
	switch {
	case err != nil:
		c.logger.Warn("failed to look up skill container", "event", "status_unavailable", "skill", identity.Name, "error", err)
		st.State = StateUnknown
	case found:
		st.Container = ctr.ID
		st.State = ctr.State
	}
	return st
}
