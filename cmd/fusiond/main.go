// Command fusiond runs the roadside track-fusion service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/roadside.fusion/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fusiond",
		Short: "Roadside multi-sensor track fusion service",
		Long: `fusiond fuses object detections from roadside sensor gateways into one
set of tracks in a local ENU frame and serves them over HTTP and gRPC.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newExportCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fusiond %s\n", version.String())
		},
	}
}
