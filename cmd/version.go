package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildsys-io/buildsys/pkg/buildsys"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of this tool and the build engine",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("buildsys %s\n", version)

		server, err := buildsys.DockerServerVersion()
		if err != nil {
			log.WithError(err).Warn("cannot determine docker server version")
			return
		}
		fmt.Printf("docker server %s\n", server)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
