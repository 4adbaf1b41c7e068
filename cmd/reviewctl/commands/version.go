package commands

import (
	"fmt"

	"github.com/openhitl/reviewd/internal/build"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display the version and commit hash for reviewctl.`,
	Run:   runVersion,
}

// runVersion prints the version and build information.
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("reviewctl version %s\n", build.String())
}
