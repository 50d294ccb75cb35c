// Package provision installs skill packages: it validates the upload, lays
// out the skill directory, produces the skill image, issues the broker
// credential, registers the identity and starts the container. Every step up
// to the container start belongs to one rollback scope.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/internal/credential"
	"github.com/dyluth/skillbox/internal/docker"
	"github.com/dyluth/skillbox/internal/hostpath"
	"github.com/dyluth/skillbox/internal/registry"
	"github.com/dyluth/skillbox/internal/runtime"
	"github.com/dyluth/skillbox/internal/skillpkg"
	"github.com/dyluth/skillbox/internal/training"
	"github.com/dyluth/skillbox/pkg/skill"
)

// Environment variables handed to every skill container.
const (
	EnvMQTTUser = "MQTT_USER"
	EnvMQTTPass = "MQTT_PASS"
)

// SkillDataMount is where a skill sees its persistent directory.
const SkillDataMount = "/data"

// Config holds the filesystem and network layout used for installs.
type Config struct {
	SkillsDir       string // one subdirectory per installed skill
	DataRoot        string // root of this process's data volume, used for host path translation
	TempDir         string // uploads are spooled here
	BusNetwork      string
	InternetNetwork string
}

// InstallRequest is one upload.
type InstallRequest struct {
	Archive     io.Reader
	Force       bool
	StartOnBoot bool
}

// InstallResult reports a completed install.
type InstallResult struct {
	State       string `json:"state"`
	Detail      string `json:"detail"`
	Skill       string `json:"skill"`
	ContainerID string `json:"container,omitempty"`
}

// Provisioner runs installs against the engine and registry.
type Provisioner struct {
	cfg      Config
	engine   runtime.Engine
	registry *registry.Registry
	issuer   *credential.Issuer
	hostPath hostpath.Resolver
	trainer  training.Service
	logger   *slog.Logger
}

// New creates a provisioner. A nil resolver disables skill volumes.
func New(cfg Config, engine runtime.Engine, reg *registry.Registry, issuer *credential.Issuer,
	resolver hostpath.Resolver, trainer training.Service, logger *slog.Logger) *Provisioner {
	if cfg.BusNetwork == "" {
		cfg.BusNetwork = docker.BusNetwork
	}
	if cfg.InternetNetwork == "" {
		cfg.InternetNetwork = docker.InternetNetwork
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if resolver == nil {
		resolver = hostpath.None{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		cfg:      cfg,
		engine:   engine,
		registry: reg,
		issuer:   issuer,
		hostPath: resolver,
		trainer:  trainer,
		logger:   logger.With("component", "provisioner"),
	}
}

// SkillDir returns the directory a skill is installed into.
func (p *Provisioner) SkillDir(slug string) string {
	return filepath.Join(p.cfg.SkillsDir, slug)
}

// Install validates and installs a skill archive. Once started it runs to
// completion or full rollback, even if ctx is cancelled. When training fails
// after the skill is running, the result is returned together with a
// training_unavailable error.
func (p *Provisioner) Install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	ctx = context.WithoutCancel(ctx)
	scope := NewScope(p.logger)

	result, pkg, err := p.install(ctx, scope, req)
	if err := scope.Finish(ctx, err); err != nil {
		p.logger.Warn("install failed", "event", "install_failed", "code", apierr.CodeOf(err), "error", err)
		return nil, err
	}

	p.logger.Info("skill installed",
		"event", "skill_installed",
		"skill", result.Skill,
		"container", result.ContainerID,
	)

	if !pkg.Manifest.ShouldAutoTrain() || p.trainer == nil {
		return result, nil
	}
	slug := pkg.Manifest.Slug
	if err := p.trainer.Sync(ctx, training.SentencesPath(slug), pkg.Sentences()); err != nil {
		p.logger.Warn("training failed after install", "event", "training_failed", "skill", slug, "error", err)
		return result, apierr.Wrap(apierr.CodeTrainingUnavailable, err, "unable to communicate with the training service")
	}
	return result, nil
}

func (p *Provisioner) install(ctx context.Context, scope *Scope, req InstallRequest) (*InstallResult, *skillpkg.Package, error) {
	upload, err := p.spool(scope, req.Archive)
	if err != nil {
		return nil, nil, err
	}

	pkg, err := skillpkg.Open(upload)
	if err != nil {
		return nil, nil, err
	}
	manifest := pkg.Manifest
	slug := manifest.Slug

	dir, err := p.createSkillDir(scope, slug, req.Force)
	if err != nil {
		return nil, nil, err
	}

	dataDir, err := p.populate(pkg, dir)
	if err != nil {
		return nil, nil, err
	}

	tag := docker.ImageTag(slug)
	name := docker.ContainerName(slug)
	if err := p.freeContainerName(ctx, name, req.Force); err != nil {
		return nil, nil, err
	}

	if err := p.produceImage(ctx, &manifest, dir, tag); err != nil {
		return nil, nil, err
	}
	scope.OnFailure("remove image", func(ctx context.Context) error {
		return p.engine.RemoveImage(ctx, tag, true)
	})

	binds := p.dataBinds(ctx, dataDir)

	secret, hash, err := p.issuer.Issue()
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.CodeInternal, err, "failed to issue credential")
	}

	identity := skill.Identity{
		Name:        slug,
		SecretHash:  hash,
		StartOnBoot: req.StartOnBoot,
		TopicAccess: manifest.TopicAccess,
	}
	inserted, err := p.registry.Insert(ctx, identity, req.Force)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.CodeInternal, err, "failed to register skill")
	}
	if !inserted {
		return nil, nil, apierr.New(apierr.CodeSkillAlreadyInstalled, "skill %s is already registered", slug)
	}
	scope.OnFailure("remove registry entry", func(ctx context.Context) error {
		_, err := p.registry.Remove(ctx, slug)
		return err
	})

	ctr, err := p.engine.Run(ctx, runtime.RunSpec{
		Image:   tag,
		Name:    name,
		Env:     map[string]string{EnvMQTTUser: slug, EnvMQTTPass: secret},
		Network: p.cfg.BusNetwork,
		Labels:  docker.BuildLabels(slug, manifest.Version, docker.GenerateInstallID()),
		Binds:   binds,
	})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.CodeContainerCreation, err, "")
	}
	scope.OnFailure("remove container", func(ctx context.Context) error {
		return p.engine.Remove(ctx, ctr.ID, runtime.RemoveOptions{Force: true, Volumes: true})
	})

	if manifest.InternetAccess {
		if err := p.connectInternet(ctx, ctr.ID); err != nil {
			return nil, nil, apierr.Wrap(apierr.CodeContainerCreation, err, "")
		}
	}

	return &InstallResult{
		State:       "success",
		Detail:      fmt.Sprintf("installed %s in %s", manifest.Name, dir),
		Skill:       slug,
		ContainerID: ctr.ID,
	}, pkg, nil
}

// spool copies the upload to a uniquely named temporary file and returns it
// positioned at the start.
func (p *Provisioner) spool(scope *Scope, archive io.Reader) (*os.File, error) {
	if archive == nil {
		return nil, apierr.New(apierr.CodeFileRequired, "an archive is required")
	}
	if err := os.MkdirAll(p.cfg.TempDir, 0755); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to create temp directory")
	}

	path := filepath.Join(p.cfg.TempDir, uuid.NewString()+".tar")
	f, err := os.Create(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to spool upload")
	}
	scope.Always("delete uploaded archive", func(context.Context) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	scope.Always("close uploaded archive", func(context.Context) error {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
		return nil
	})

	if _, err := io.Copy(f, archive); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to spool upload")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to rewind upload")
	}
	return f, nil
}

func (p *Provisioner) createSkillDir(scope *Scope, slug string, force bool) (string, error) {
	dir := p.SkillDir(slug)

	if _, err := os.Stat(dir); err == nil {
		if !force {
			return "", apierr.New(apierr.CodeSkillAlreadyInstalled, "skill %s is already installed", slug)
		}
		p.logger.Info("replacing existing skill directory", "event", "skill_dir_replaced", "skill", slug)
		if err := os.RemoveAll(dir); err != nil {
			return "", apierr.Wrap(apierr.CodeInternal, err, "failed to remove previous installation")
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", apierr.Wrap(apierr.CodeInternal, err, "failed to check skill directory")
	}

	if err := os.MkdirAll(p.cfg.SkillsDir, 0755); err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, err, "failed to create skills directory")
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", apierr.New(apierr.CodeSkillAlreadyInstalled, "skill %s is already installed", slug)
		}
		return "", apierr.Wrap(apierr.CodeInternal, err, "failed to create skill directory")
	}

	scope.OnFailure("remove skill directory", func(context.Context) error {
		return os.RemoveAll(dir)
	})
	return dir, nil
}

// populate extracts the archive and prepares the skill's data directory,
// seeding data/config.json from the package on first install only.
func (p *Provisioner) populate(pkg *skillpkg.Package, dir string) (string, error) {
	if err := pkg.ExtractTo(dir); err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, err, "failed to extract archive")
	}

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, err, "failed to create data directory")
	}

	content, ok := pkg.File(skillpkg.ConfigFile)
	if !ok {
		return dataDir, nil
	}
	target := filepath.Join(dataDir, skillpkg.ConfigFile)
	if _, err := os.Stat(target); err == nil {
		return dataDir, nil
	}
	if err := os.WriteFile(target, content, 0644); err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, err, "failed to seed %s", skillpkg.ConfigFile)
	}
	return dataDir, nil
}

func (p *Provisioner) freeContainerName(ctx context.Context, name string, force bool) error {
	containers, err := p.engine.List(ctx, runtime.ListOptions{All: true})
	if err != nil {
		return apierr.Wrap(apierr.CodeEngineError, err, "failed to list containers")
	}

	for _, c := range containers {
		if !c.HasName(name) {
			continue
		}
		if !force {
			return apierr.New(apierr.CodeContainerNameAlreadyUsed, "container name %s is already in use", name)
		}
		p.logger.Info("removing container holding skill name", "event", "container_replaced", "container", c.ID, "name", name)
		if err := p.engine.Remove(ctx, c.ID, runtime.RemoveOptions{Force: true}); err != nil && !runtime.IsNotFound(err) {
			return apierr.Wrap(apierr.CodeContainerCreation, err, "failed to remove container %s", name)
		}
	}
	return nil
}

// produceImage builds the skill directory, or pulls the referenced image,
// and leaves the result tagged as tag.
func (p *Provisioner) produceImage(ctx context.Context, manifest *skill.Manifest, dir, tag string) error {
	if manifest.HasImage() {
		if err := p.engine.Pull(ctx, manifest.Image); err != nil {
			return apierr.Wrap(apierr.CodeBuildImage, err, "")
		}
		if err := p.engine.Tag(ctx, manifest.Image, tag); err != nil {
			return apierr.Wrap(apierr.CodeBuildImage, err, "")
		}
		return nil
	}

	p.logger.Info("building skill image", "event", "image_build", "tag", tag)
	if err := p.engine.Build(ctx, dir, tag); err != nil {
		return apierr.Wrap(apierr.CodeBuildImage, err, "")
	}
	return nil
}

// dataBinds resolves the host path of dataDir. Resolution problems leave the
// skill without a volume.
func (p *Provisioner) dataBinds(ctx context.Context, dataDir string) []runtime.Bind {
	source, ok, err := p.hostPath.DataMountSource(ctx)
	if err != nil {
		p.logger.Warn("failed to resolve host data path, skill gets no volume", "event", "hostpath_failed", "error", err)
		return nil
	}
	if !ok {
		p.logger.Info("no host data mount found, skill gets no volume", "event", "hostpath_missing")
		return nil
	}

	hostDir, ok := hostpath.HostPath(source, p.cfg.DataRoot, dataDir)
	if !ok {
		p.logger.Warn("skill data directory is outside the data mount, skill gets no volume",
			"event", "hostpath_outside",
			"data_dir", dataDir,
			"data_root", p.cfg.DataRoot,
		)
		return nil
	}
	return []runtime.Bind{{Source: hostDir, Target: SkillDataMount, Mode: "rw"}}
}

func (p *Provisioner) connectInternet(ctx context.Context, containerID string) error {
	networks, err := p.engine.Networks(ctx, p.cfg.InternetNetwork)
	if err != nil {
		return fmt.Errorf("failed to look up network %s: %w", p.cfg.InternetNetwork, err)
	}
	if len(networks) == 0 {
		return fmt.Errorf("network %s: %w", p.cfg.InternetNetwork, runtime.ErrNotFound)
	}
	return p.engine.Connect(ctx, networks[0].ID, containerID, nil)
}
