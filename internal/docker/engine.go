package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/dyluth/skillbox/internal/runtime"
)

// Engine implements runtime.Engine with a Docker API client.
type Engine struct {
	cli         *client.Client
	stopTimeout int // seconds
}

// NewEngine wraps cli. Stop requests wait stopTimeout seconds before the
// daemon kills the container; 0 uses the daemon default.
func NewEngine(cli *client.Client, stopTimeout int) *Engine {
	return &Engine{cli: cli, stopTimeout: stopTimeout}
}

var _ runtime.Engine = (*Engine)(nil)

// Build builds contextDir into an image tagged tag. Errors reported inside the
// build output stream are returned as errors.
func (e *Engine) Build(ctx context.Context, contextDir, tag string) error {
	buildContext, err := createBuildContext(contextDir)
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}

	resp, err := e.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return wrapErr(err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return err
	}
	return nil
}

// Pull pulls ref from its registry.
func (e *Engine) Pull(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return wrapErr(err)
	}
	defer rc.Close()

	return jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil)
}

// Tag adds target as a tag of the source image.
func (e *Engine) Tag(ctx context.Context, source, target string) error {
	return wrapErr(e.cli.ImageTag(ctx, source, target))
}

// RemoveImage deletes an image reference.
func (e *Engine) RemoveImage(ctx context.Context, ref string, force bool) error {
	_, err := e.cli.ImageRemove(ctx, ref, types.ImageRemoveOptions{Force: force, PruneChildren: true})
	return wrapErr(err)
}

// Run creates and starts a container. A container whose start fails is removed.
func (e *Engine) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Container, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    envList(spec.Env),
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}
	for _, b := range spec.Binds {
		mode := b.Mode
		if mode == "" {
			mode = "rw"
		}
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s:%s", b.Source, b.Target, mode))
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return runtime.Container{}, fmt.Errorf("failed to create container: %w", wrapErr(err))
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Cleanup on start failure
		_ = e.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return runtime.Container{}, fmt.Errorf("failed to start container: %w", wrapErr(err))
	}

	return runtime.Container{
		ID:     resp.ID,
		Names:  []string{spec.Name},
		Image:  spec.Image,
		Labels: spec.Labels,
		State:  runtime.StateRunning,
	}, nil
}

// List returns containers, optionally including stopped ones and filtered by label.
func (e *Engine) List(ctx context.Context, opts runtime.ListOptions) ([]runtime.Container, error) {
	filter := filters.NewArgs()
	if opts.Label != "" {
		filter.Add("label", opts.Label)
	}

	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     opts.All,
		Filters: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", wrapErr(err))
	}

	out := make([]runtime.Container, 0, len(containers))
	for _, c := range containers {
		names := make([]string, 0, len(c.Names))
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
		out = append(out, runtime.Container{
			ID:     c.ID,
			Names:  names,
			Image:  c.Image,
			Labels: c.Labels,
			State:  c.State,
		})
	}
	return out, nil
}

// Inspect returns the container's name and mounts.
func (e *Engine) Inspect(ctx context.Context, id string) (runtime.ContainerDetails, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.ContainerDetails{}, wrapErr(err)
	}

	details := runtime.ContainerDetails{}
	if info.ContainerJSONBase != nil {
		details.ID = info.ID
		details.Name = strings.TrimPrefix(info.Name, "/")
	}
	for _, m := range info.Mounts {
		details.Mounts = append(details.Mounts, runtime.Mount{Source: m.Source, Destination: m.Destination})
	}
	return details, nil
}

// Start starts a created or stopped container.
func (e *Engine) Start(ctx context.Context, id string) error {
	return wrapErr(e.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// Stop stops the container gracefully, waiting stopTimeout before the daemon
// kills it.
func (e *Engine) Stop(ctx context.Context, id string) error {
	opts := container.StopOptions{}
	if e.stopTimeout > 0 {
		timeout := e.stopTimeout
		opts.Timeout = &timeout
	}
	return wrapErr(e.cli.ContainerStop(ctx, id, opts))
}

// Kill sends SIGKILL to the container.
func (e *Engine) Kill(ctx context.Context, id string) error {
	return wrapErr(e.cli.ContainerKill(ctx, id, "SIGKILL"))
}

// Remove deletes the container, optionally forcing removal of a running one
// and removing its anonymous volumes.
func (e *Engine) Remove(ctx context.Context, id string, opts runtime.RemoveOptions) error {
	return wrapErr(e.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.Volumes,
	}))
}

// Networks returns the networks whose name is exactly name. The daemon's
// name filter matches substrings, so results are filtered again here. The
// list endpoint omits attached containers, so each match is inspected.
func (e *Engine) Networks(ctx context.Context, name string) ([]runtime.Network, error) {
	resources, err := e.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", wrapErr(err))
	}

	var out []runtime.Network
	for _, listed := range resources {
		if listed.Name != name {
			continue
		}
		res, err := e.cli.NetworkInspect(ctx, listed.ID, types.NetworkInspectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to inspect network '%s': %w", name, wrapErr(err))
		}
		n := runtime.Network{ID: res.ID, Name: res.Name}
		for id := range res.Containers {
			n.Containers = append(n.Containers, id)
		}
		sort.Strings(n.Containers)
		out = append(out, n)
	}
	return out, nil
}

// CreateNetwork creates a network and returns its ID. The driver defaults to
// bridge.
func (e *Engine) CreateNetwork(ctx context.Context, spec runtime.NetworkSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}
	resp, err := e.cli.NetworkCreate(ctx, spec.Name, types.NetworkCreate{
		Driver:   driver,
		Internal: spec.Internal,
		Labels:   spec.Labels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network '%s': %w", spec.Name, wrapErr(err))
	}
	return resp.ID, nil
}

// Connect attaches a container to a network under the given aliases.
func (e *Engine) Connect(ctx context.Context, networkID, containerID string, aliases []string) error {
	var endpoint *network.EndpointSettings
	if len(aliases) > 0 {
		endpoint = &network.EndpointSettings{Aliases: aliases}
	}
	return wrapErr(e.cli.NetworkConnect(ctx, networkID, containerID, endpoint))
}

// wrapErr maps daemon not-found responses onto runtime.ErrNotFound.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, err.Error())
	}
	return err
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// createBuildContext tars the content of dir. Paths in the archive are
// relative to dir; only directories and regular files are included.
func createBuildContext(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
