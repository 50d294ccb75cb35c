package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/skillbox/internal/broker"
	"github.com/dyluth/skillbox/internal/docker"
	"github.com/dyluth/skillbox/internal/printer"
	"github.com/dyluth/skillbox/internal/server"
)

var (
	serveListen       string
	serveSetupNetwork bool
	serveSelf         string
	serveNoBoot       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the skill manager HTTP API",
	Long: `Run the skill manager.

On startup skillbox optionally attaches itself to the MQTT bus network,
starts every installed skill marked start_on_boot, and then serves:
  • /api/skills - install, list, start, stop and delete skills
  • /api/login, /api/acl, /api/superuser - broker authorization backend`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides listen_addr)")
	serveCmd.Flags().BoolVar(&serveSetupNetwork, "setup-network", false, "Create and join the MQTT bus network before serving")
	serveCmd.Flags().StringVar(&serveSelf, "self", "", "Own container name or ID (defaults to the hostname)")
	serveCmd.Flags().BoolVar(&serveNoBoot, "no-boot", false, "Skip starting start_on_boot skills")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if serveListen != "" {
		a.cfg.ListenAddr = serveListen
	}

	if serveSetupNetwork {
		if err := setupNetwork(ctx, a, serveSelf); err != nil {
			return err
		}
	}

	if !serveNoBoot {
		report, err := a.lifecycle.ReconcileBoot(ctx)
		if err != nil {
			return printer.APIError("boot reconciliation failed", err, nil)
		}
		printer.Info("Boot: %s\n", report.Summary())
	}

	e := server.New(server.Options{
		Installer:  a.provisioner(a.cfg.SkillsDir()),
		Skills:     a.lifecycle,
		Authorizer: a.authorizer(),
		Logger:     a.logger,
		LogLevel:   a.cfg.LogLevel,
	})

	printer.Success("Serving on %s\n", a.cfg.ListenAddr)
	if err := server.Run(ctx, e, a.cfg.ListenAddr, a.logger); err != nil {
		return printer.Error("server stopped", err.Error(), nil)
	}
	return nil
}

func setupNetwork(ctx context.Context, a *app, self string) error {
	name, err := selfName(self)
	if err != nil {
		return err
	}
	result, err := broker.EnsureNetwork(ctx, a.engine, a.cfg.BusNetwork, name, a.logger)
	if err != nil {
		return printer.Error(
			"failed to set up the bus network",
			err.Error(),
			[]string{
				"Run skillbox inside a container so it can join the network",
				"Pass --self with this container's name if the hostname is not its ID",
			},
		)
	}

	switch {
	case result.Created:
		printer.Success("Created network %s and joined it as %s\n", a.cfg.BusNetwork, docker.BrokerAlias)
	case result.Connected:
		printer.Success("Joined network %s as %s\n", a.cfg.BusNetwork, docker.BrokerAlias)
	default:
		printer.Info("Already attached to network %s\n", a.cfg.BusNetwork)
	}
	return nil
}
