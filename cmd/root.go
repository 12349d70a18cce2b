package cmd

import (
	"os"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// version is set during the build using ldflags
	version string = "unknown"

	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "buildsys",
	Short: "Drives containerized builds of packages, kits and OS image variants",
	Long: color.Render(`<light_yellow>Buildsys drives containerized builds</> of software packages, aggregation kits and
bootable OS image variants. It assembles the argument set for the external build
engine, retries known transient engine failures, and reconciles the produced
files against the outputs tracked from previous builds so that rebuilds stay
idempotent.

<white>Configuration</>
Buildsys reads the dependency lists and image metadata for a target from a
resolved manifest file (--manifest). Build secrets come exclusively from the
environment:
     <light_blue>BUILDSYS_SBKEYS_PROFILE_DIR</>  Directory of signing keys; every contained file becomes a file secret.
<light_blue>BUILDSYS_CACERTS_BUNDLE_OVERRIDE</>  Optional CA bundle path, passed as the ca-bundle.crt secret when non-empty.
          <light_blue>PUBLISH_REPO_ROOT_JSON</>  Optional repository root metadata, passed as the root.json secret when non-empty.
               <light_blue>AWS_ACCESS_KEY_ID</>  Forwarded by name as an environment-sourced secret, never by value.
           <light_blue>AWS_SECRET_ACCESS_KEY</>  Forwarded by name as an environment-sourced secret, never by value.
               <light_blue>AWS_SESSION_TOKEN</>  Forwarded by name as an environment-sourced secret, never by value.
`),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}
