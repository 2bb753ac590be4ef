package cmd

import (
	"github.com/spf13/cobra"

	"github.com/trailmesh/bundle/pkg/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print bundlectl version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			version.PrintVersionJSON()
			return nil
		}
		version.PrintVersion()
		return nil
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version information as JSON")
}
