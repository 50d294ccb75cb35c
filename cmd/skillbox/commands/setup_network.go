package commands

import (
	"github.com/spf13/cobra"
)

var setupSelf string

var setupNetworkCmd = &cobra.Command{
	Use:   "setup-network",
	Short: "Create the MQTT bus network and attach this container to it",
	Long: `Create the internal bus network shared by the broker and skill containers
if it does not exist, then connect this container to it under the broker
alias so skills can reach the broker by name.

Running it again is harmless.`,
	RunE: runSetupNetwork,
}

func init() {
	setupNetworkCmd.Flags().StringVar(&setupSelf, "self", "", "Own container name or ID (defaults to the hostname)")
	rootCmd.AddCommand(setupNetworkCmd)
}

func runSetupNetwork(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	return setupNetwork(cmd.Context(), a, setupSelf)
}
