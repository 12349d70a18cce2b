package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/buildsys-io/buildsys/pkg/buildsys"
)

// commonFlags binds the flags shared by all build subcommands.
type commonFlags struct {
	rootDir  string
	toolsDir string
	stateDir string
	arch     string
	sdkImage string
	manifest string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.rootDir, "root-dir", ".", "project root, used as the build context")
	cmd.Flags().StringVar(&f.toolsDir, "tools-dir", "tools", "directory containing build.Dockerfile")
	cmd.Flags().StringVar(&f.stateDir, "state-dir", "", "state root for output tracking markers")
	cmd.Flags().StringVar(&f.arch, "arch", "", "target architecture (x86_64 or aarch64)")
	cmd.Flags().StringVar(&f.sdkImage, "sdk-image", "", "SDK container image reference")
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "path to the resolved manifest for the target")
	_ = cmd.MarkFlagRequired("state-dir")
	_ = cmd.MarkFlagRequired("arch")
	_ = cmd.MarkFlagRequired("sdk-image")
	_ = cmd.MarkFlagRequired("manifest")
}

func (f *commonFlags) resolve() (buildsys.CommonArgs, *buildsys.ResolvedManifest, error) {
	arch, err := buildsys.ParseArch(f.arch)
	if err != nil {
		return buildsys.CommonArgs{}, nil, err
	}

	// The root doubles as a volume source and as the input to the
	// per-checkout token, both of which need an absolute path.
	rootDir, err := filepath.Abs(f.rootDir)
	if err != nil {
		return buildsys.CommonArgs{}, nil, xerrors.Errorf("cannot resolve project root %s: %w", f.rootDir, err)
	}

	manifest, err := buildsys.LoadResolvedManifest(f.manifest)
	if err != nil {
		return buildsys.CommonArgs{}, nil, err
	}

	return buildsys.CommonArgs{
		RootDir:  rootDir,
		ToolsDir: f.toolsDir,
		StateDir: f.stateDir,
		Arch:     arch,
		SDKImage: f.sdkImage,
	}, manifest, nil
}

func init() {
	var (
		pkgFlags       commonFlags
		packagesDir    string
		versionBuild   string
		versionBuildTS string
	)
	buildPackageCmd := &cobra.Command{
		Use:   "build-package",
		Short: "Builds a single package in a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			common, manifest, err := pkgFlags.resolve()
			if err != nil {
				return err
			}
			b, err := buildsys.NewPackageBuild(buildsys.PackageBuildOpts{
				Common:                common,
				PackagesDir:           packagesDir,
				VersionBuild:          versionBuild,
				VersionBuildTimestamp: versionBuildTS,
			}, manifest)
			if err != nil {
				return err
			}
			return b.Run(cmd.Context())
		},
	}
	pkgFlags.register(buildPackageCmd)
	buildPackageCmd.Flags().StringVar(&packagesDir, "packages-dir", "", "directory receiving built packages")
	buildPackageCmd.Flags().StringVar(&versionBuild, "version-build", "", "build identifier")
	buildPackageCmd.Flags().StringVar(&versionBuildTS, "version-build-timestamp", "", "build identifier timestamp")
	_ = buildPackageCmd.MarkFlagRequired("packages-dir")
	rootCmd.AddCommand(buildPackageCmd)

	var (
		kitFlags        commonFlags
		kitsDir         string
		kitVersionBuild string
		kitVersionImage string
	)
	buildKitCmd := &cobra.Command{
		Use:   "build-kit",
		Short: "Builds an aggregation kit in a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			common, manifest, err := kitFlags.resolve()
			if err != nil {
				return err
			}
			b, err := buildsys.NewKitBuild(buildsys.KitBuildOpts{
				Common:       common,
				KitsDir:      kitsDir,
				VersionBuild: kitVersionBuild,
				VersionImage: kitVersionImage,
			}, manifest)
			if err != nil {
				return err
			}
			return b.Run(cmd.Context())
		},
	}
	kitFlags.register(buildKitCmd)
	buildKitCmd.Flags().StringVar(&kitsDir, "kits-dir", "", "directory receiving built kits")
	buildKitCmd.Flags().StringVar(&kitVersionBuild, "version-build", "", "build identifier")
	buildKitCmd.Flags().StringVar(&kitVersionImage, "version-image", "", "image version identifier")
	_ = buildKitCmd.MarkFlagRequired("kits-dir")
	rootCmd.AddCommand(buildKitCmd)

	rootCmd.AddCommand(newVariantCommand("build-variant", "Builds a bootable variant image in a container", buildsys.NewVariantBuild))
	rootCmd.AddCommand(newVariantCommand("repack-variant", "Repackages an existing variant image in place", buildsys.NewRepackBuild))
}

// newVariantCommand wires the flag set shared by variant builds and
// repackaging runs.
func newVariantCommand(use, short string, construct func(buildsys.VariantBuildOpts, *buildsys.ResolvedManifest) (*buildsys.DockerBuild, error)) *cobra.Command {
	var (
		flags        commonFlags
		imageDir     string
		variant      string
		name         string
		prettyName   string
		versionBuild string
		versionImage string
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			common, manifest, err := flags.resolve()
			if err != nil {
				return err
			}
			b, err := construct(buildsys.VariantBuildOpts{
				Common:       common,
				ImageDir:     imageDir,
				Variant:      variant,
				Name:         name,
				PrettyName:   prettyName,
				VersionBuild: versionBuild,
				VersionImage: versionImage,
			}, manifest)
			if err != nil {
				return err
			}
			return b.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&imageDir, "image-dir", "", "directory receiving built images")
	cmd.Flags().StringVar(&variant, "variant", "", "variant name, e.g. aws-k8s-1.29")
	cmd.Flags().StringVar(&name, "name", "", "image name")
	cmd.Flags().StringVar(&prettyName, "pretty-name", "", "human readable image name")
	cmd.Flags().StringVar(&versionBuild, "version-build", "", "build identifier")
	cmd.Flags().StringVar(&versionImage, "version-image", "", "image version identifier")
	_ = cmd.MarkFlagRequired("image-dir")
	_ = cmd.MarkFlagRequired("variant")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
