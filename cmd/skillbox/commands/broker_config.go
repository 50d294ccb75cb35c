package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/skillbox/internal/broker"
	"github.com/dyluth/skillbox/internal/printer"
)

var (
	brokerOut      string
	brokerAuthHost string
	brokerStdout   bool
)

var brokerConfigCmd = &cobra.Command{
	Use:   "broker-config",
	Short: "Generate the mosquitto configuration",
	Long: `Generate a mosquitto.conf that bridges to the upstream Rhasspy broker and
delegates login and topic authorization to this service through the
mosquitto-go-auth HTTP backend.

Upstream connection settings come from the broker section of the
configuration (SKILLBOX_BROKER_* or the legacy MQTT_HOST, MQTT_USER,
MQTT_PASSWORD, CLIENT_ID and DEST_FILE variables).`,
	RunE: runBrokerConfig,
}

func init() {
	brokerConfigCmd.Flags().StringVarP(&brokerOut, "out", "o", "", "Output file (overrides broker.dest_file)")
	brokerConfigCmd.Flags().StringVar(&brokerAuthHost, "auth-host", "", "Host the broker uses to reach this service")
	brokerConfigCmd.Flags().BoolVar(&brokerStdout, "stdout", false, "Print the configuration instead of writing it")
	rootCmd.AddCommand(brokerConfigCmd)
}

func runBrokerConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	settings := broker.DefaultSettings()
	settings.UpstreamHost = cfg.Broker.UpstreamHost
	settings.UpstreamUser = cfg.Broker.UpstreamUser
	settings.UpstreamPassword = cfg.Broker.UpstreamPassword
	if cfg.Broker.ClientID != "" {
		settings.ClientID = cfg.Broker.ClientID
	}
	if brokerAuthHost != "" {
		settings.AuthHost = brokerAuthHost
	}
	port, err := cfg.ListenPort()
	if err != nil {
		return err
	}
	settings.AuthPort = port

	if brokerStdout {
		content, err := broker.RenderConfig(settings)
		if err != nil {
			return brokerConfigError(err)
		}
		fmt.Fprint(cmd.OutOrStdout(), content)
		return nil
	}

	out := cfg.Broker.ConfigPath
	if brokerOut != "" {
		out = brokerOut
	}
	replaced, err := broker.WriteConfig(out, settings)
	if err != nil {
		return brokerConfigError(err)
	}
	if replaced {
		printer.Warning("Replaced existing %s\n", out)
	}
	printer.Success("Wrote broker configuration to %s\n", out)
	return nil
}

func brokerConfigError(err error) error {
	return printer.Error(
		"failed to generate broker configuration",
		err.Error(),
		[]string{
			"Set SKILLBOX_BROKER_MQTT_HOST (or MQTT_HOST) to the upstream broker",
			"Check that the output directory exists and is writable",
		},
	)
}
