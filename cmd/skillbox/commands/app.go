package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/skillbox/internal/config"
	"github.com/dyluth/skillbox/internal/credential"
	"github.com/dyluth/skillbox/internal/docker"
	"github.com/dyluth/skillbox/internal/hostpath"
	"github.com/dyluth/skillbox/internal/lifecycle"
	"github.com/dyluth/skillbox/internal/logging"
	"github.com/dyluth/skillbox/internal/mqttauth"
	"github.com/dyluth/skillbox/internal/printer"
	"github.com/dyluth/skillbox/internal/provision"
	"github.com/dyluth/skillbox/internal/registry"
	"github.com/dyluth/skillbox/internal/training"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	engine    *docker.Engine
	registry  *registry.Registry
	closers   []func() error
	trainer   *training.Client
	lifecycle *lifecycle.Controller
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{
				"Check the SKILLBOX_* environment variables",
				"Check the file passed with --config",
			},
		)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.WithFormat(format), logging.WithLevel(level), logging.WithOutput(os.Stderr))
	return cfg, logger, nil
}

// newApp connects to Docker and the registry backend.
func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	cli, err := docker.NewClient(ctx)
	if err != nil {
		return nil, printer.Error(
			"cannot reach the Docker daemon",
			err.Error(),
			[]string{"Mount /var/run/docker.sock into the container"},
		)
	}
	a.closers = append(a.closers, cli.Close)
	a.engine = docker.NewEngine(cli, int(cfg.StopTimeout.Seconds()))

	store, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = registry.New(store)

	trainer, err := training.NewClient(cfg.RhasspyURL, cfg.TrainingTimeout)
	if err != nil {
		a.close()
		return nil, err
	}
	a.trainer = trainer

	skillsDir, err := cfg.EnsureSkillsDir()
	if err != nil {
		a.close()
		return nil, err
	}
	a.lifecycle = lifecycle.New(a.engine, a.registry, a.trainer, skillsDir, logger)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (registry.Store, error) {
	switch a.cfg.RegistryBackend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, printer.Error(
				"cannot reach Redis",
				err.Error(),
				[]string{fmt.Sprintf("Check that %s is reachable", opts.Addr)},
			)
		}
		store := registry.NewRedisStore(rdb, a.cfg.RedisKey)
		a.closers = append(a.closers, store.Close)
		a.logger.Info("registry opened", "event", "registry_opened", "backend", "redis", "addr", opts.Addr)
		return store, nil
	default:
		store, err := registry.NewFileStore(a.cfg.StorePath())
		if err != nil {
			return nil, err
		}
		a.logger.Info("registry opened", "event", "registry_opened", "backend", "file", "path", store.Path())
		return store, nil
	}
}

func (a *app) resolver() hostpath.Resolver {
	if a.cfg.HostDataPath != "" {
		return hostpath.Static(a.cfg.HostDataPath)
	}
	return &hostpath.SelfContainer{Engine: a.engine, DataRoot: a.cfg.StoreDirectory}
}

func (a *app) provisioner(skillsDir string) *provision.Provisioner {
	issuer := credential.NewIssuer(credential.NewArgon2Hasher(credential.DefaultArgon2Params))
	return provision.New(provision.Config{
		SkillsDir:       skillsDir,
		DataRoot:        a.cfg.StoreDirectory,
		TempDir:         a.cfg.TempDir(),
		BusNetwork:      a.cfg.BusNetwork,
		InternetNetwork: a.cfg.InternetNetwork,
	}, a.engine, a.registry, issuer, a.resolver(), a.trainer, a.logger)
}

func (a *app) authorizer() *mqttauth.Service {
	return mqttauth.New(a.registry, credential.NewArgon2Hasher(credential.DefaultArgon2Params), a.logger)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "event", "close_failed", "error", err)
		}
	}
	a.closers = nil
}

// selfName is the identifier of the container this process runs in.
func selfName(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}
	return name, nil
}
