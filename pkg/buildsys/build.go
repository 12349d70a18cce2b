package buildsys

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/buildsys-io/buildsys/pkg/fdsrv"
)

// builderStages are the Dockerfile stages that must never reuse a cached
// layer, since their outputs depend on previously built artifacts.
const builderStages = "rpmbuild,kitbuild,repobuild,imgbuild,migrationbuild,kmodkitbuild,imgrepack"

// buildDockerfile is the multi-stage Dockerfile defining all build steps,
// relative to the tools directory.
const buildDockerfile = "build.Dockerfile"

// rootUID is the uid of privileged processes inside the build container.
const rootUID = 0

type cleanupPolicy int

const (
	cleanupBeforeBuild cleanupPolicy = iota
	cleanupNone
)

// CommonArgs carries the invocation parameters shared by all build kinds.
type CommonArgs struct {
	RootDir  string
	ToolsDir string
	StateDir string
	Arch     SupportedArch
	SDKImage string
}

// commonBuildArgs is the per-invocation context: the cache-busting value,
// the per-checkout token and the socket name derived from both. None of
// these are ever reused across invocations.
type commonBuildArgs struct {
	arch         SupportedArch
	sdk          string
	nocache      string
	token        string
	outputSocket string
	cleanup      cleanupPolicy
}

func newCommonBuildArgs(root, sdk string, arch SupportedArch, cleanup cleanupPolicy) commonBuildArgs {
	token := pathToken(root)

	// Avoid reusing a cached layer from a previous build.
	nocache := strings.ReplaceAll(uuid.NewString(), "-", "")

	return commonBuildArgs{
		arch:         arch,
		sdk:          sdk,
		nocache:      nocache,
		token:        token,
		outputSocket: fmt.Sprintf("buildsys-output-%s-%s", token, nocache),
		cleanup:      cleanup,
	}
}

// pathToken derives a stable per-checkout suffix so concurrent checkouts
// do not collide on image tags and socket names. The path is canonicalized
// first, otherwise relative roots such as "." would map every checkout to
// the same token.
func pathToken(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	sum := sha512.Sum512([]byte(abs))
	return hex.EncodeToString(sum[:])[:12]
}

func appendToken(tag, root string) string {
	return tag + "-" + pathToken(root)
}

// DockerBuild drives one containerized build of a package, kit or variant
// through the external build engine.
type DockerBuild struct {
	dockerfile    string
	context       string
	target        string
	tag           string
	rootDir       string
	artifactsDirs []string
	stateDir      string
	artifactName  string
	common        commonBuildArgs
	targetArgs    TargetArgs
	secretsArgs   []string
}

// PackageBuildOpts parameterizes NewPackageBuild.
type PackageBuildOpts struct {
	Common                CommonArgs
	PackagesDir           string
	VersionBuild          string
	VersionBuildTimestamp string
}

// NewPackageBuild prepares a package build. Package artifacts are promoted
// to a per-package directory; the shared packages directory is kept as a
// legacy output location for cleanup.
func NewPackageBuild(opts PackageBuildOpts, manifest *ResolvedManifest) (*DockerBuild, error) {
	pkg := manifest.Package
	if pkg == "" {
		return nil, xerrors.Errorf("resolved manifest does not name a package")
	}

	return &DockerBuild{
		dockerfile: filepath.Join(opts.Common.ToolsDir, buildDockerfile),
		context:    opts.Common.RootDir,
		target:     "package",
		tag: appendToken(
			fmt.Sprintf("buildsys-pkg-%s-%s", pkg, opts.Common.Arch),
			opts.Common.RootDir),
		rootDir: opts.Common.RootDir,
		artifactsDirs: []string{
			filepath.Join(opts.PackagesDir, pkg),
			opts.PackagesDir,
		},
		stateDir:     opts.Common.StateDir,
		artifactName: pkg,
		common: newCommonBuildArgs(
			opts.Common.RootDir, opts.Common.SDKImage, opts.Common.Arch, cleanupBeforeBuild),
		targetArgs: PackageTarget{
			Package:                 pkg,
			PackageDependencies:     manifest.PackageDependencies,
			KitDependencies:         manifest.KitDependencies,
			ExternalKitDependencies: manifest.ExternalKitDependencies,
			VersionBuild:            opts.VersionBuild,
			VersionBuildTimestamp:   opts.VersionBuildTimestamp,
		},
	}, nil
}

// KitBuildOpts parameterizes NewKitBuild.
type KitBuildOpts struct {
	Common       CommonArgs
	KitsDir      string
	VersionBuild string
	VersionImage string
}

// NewKitBuild prepares a kit build.
func NewKitBuild(opts KitBuildOpts, manifest *ResolvedManifest) (*DockerBuild, error) {
	kit := manifest.Kit
	if kit == "" {
		return nil, xerrors.Errorf("resolved manifest does not name a kit")
	}
	if manifest.Vendor == "" {
		return nil, xerrors.Errorf("resolved manifest for kit %s does not declare a vendor", kit)
	}

	return &DockerBuild{
		dockerfile: filepath.Join(opts.Common.ToolsDir, buildDockerfile),
		context:    opts.Common.RootDir,
		target:     "kit",
		tag: appendToken(
			fmt.Sprintf("buildsys-kit-%s-%s", kit, opts.Common.Arch),
			opts.Common.RootDir),
		rootDir:       opts.Common.RootDir,
		artifactsDirs: []string{filepath.Join(opts.KitsDir, kit)},
		stateDir:      opts.Common.StateDir,
		artifactName:  kit,
		common: newCommonBuildArgs(
			opts.Common.RootDir, opts.Common.SDKImage, opts.Common.Arch, cleanupBeforeBuild),
		targetArgs: KitTarget{
			Kit:                 kit,
			PackageDependencies: manifest.PackageDependencies,
			ExternalKitMetadata: manifest.externalKitMetadata(),
			LocalKits:           manifest.KitDependencies,
			Vendor:              manifest.Vendor,
			VersionBuild:        opts.VersionBuild,
			VersionID:           opts.VersionImage,
		},
	}, nil
}

// VariantBuildOpts parameterizes NewVariantBuild and NewRepackBuild.
type VariantBuildOpts struct {
	Common       CommonArgs
	ImageDir     string
	Variant      string
	Name         string
	PrettyName   string
	VersionBuild string
	VersionImage string
}

// NewVariantBuild prepares a variant image build.
func NewVariantBuild(opts VariantBuildOpts, manifest *ResolvedManifest) (*DockerBuild, error) {
	v, err := ParseVariant(opts.Variant)
	if err != nil {
		return nil, err
	}

	layout := manifest.ImageLayout.withDefaults()
	partitionPlan, err := layout.partitionPlan()
	if err != nil {
		return nil, err
	}
	imageFormat, err := manifest.imageFormat()
	if err != nil {
		return nil, err
	}
	osPublishSize, dataPublishSize := layout.publishSizes()

	secrets, err := secretsArgs()
	if err != nil {
		return nil, err
	}

	return &DockerBuild{
		dockerfile: filepath.Join(opts.Common.ToolsDir, buildDockerfile),
		context:    opts.Common.RootDir,
		target:     "variant",
		tag: appendToken(
			fmt.Sprintf("buildsys-var-%s-%s", opts.Variant, opts.Common.Arch),
			opts.Common.RootDir),
		rootDir: opts.Common.RootDir,
		artifactsDirs: []string{
			filepath.Join(opts.ImageDir, fmt.Sprintf("%s-%s", opts.Common.Arch, opts.Variant)),
		},
		stateDir:     opts.Common.StateDir,
		artifactName: opts.Variant,
		common: newCommonBuildArgs(
			opts.Common.RootDir, opts.Common.SDKImage, opts.Common.Arch, cleanupBeforeBuild),
		targetArgs: VariantTarget{
			PackageDependencies:     manifest.PackageDependencies,
			KitDependencies:         manifest.KitDependencies,
			ExternalKitDependencies: manifest.ExternalKitDependencies,
			DataImagePublishSizeGiB: dataPublishSize,
			DataImageSizeGiB:        layout.DataImageSizeGiB,
			ImageFeatures:           manifest.ImageFeatures,
			ImageFormat:             imageFormat,
			KernelParameters:        strings.Join(manifest.KernelParameters, " "),
			Name:                    opts.Name,
			OSImagePublishSizeGiB:   osPublishSize,
			OSImageSizeGiB:          layout.OSImageSizeGiB,
			Packages:                strings.Join(manifest.IncludedPackages, " "),
			PartitionPlan:           partitionPlan,
			PrettyName:              opts.PrettyName,
			Variant:                 opts.Variant,
			VariantFamily:           v.Family,
			VariantFlavor:           v.Flavor,
			VariantPlatform:         v.Platform,
			VariantRuntime:          v.Runtime,
			VersionBuild:            opts.VersionBuild,
			VersionImage:            opts.VersionImage,
		},
		secretsArgs: secrets,
	}, nil
}

// NewRepackBuild prepares a variant repackaging run. Repack overwrites
// existing outputs in place, so no cleanup happens before the build.
func NewRepackBuild(opts VariantBuildOpts, manifest *ResolvedManifest) (*DockerBuild, error) {
	layout := manifest.ImageLayout.withDefaults()
	partitionPlan, err := layout.partitionPlan()
	if err != nil {
		return nil, err
	}
	imageFormat, err := manifest.imageFormat()
	if err != nil {
		return nil, err
	}
	osPublishSize, dataPublishSize := layout.publishSizes()

	secrets, err := secretsArgs()
	if err != nil {
		return nil, err
	}

	return &DockerBuild{
		dockerfile: filepath.Join(opts.Common.ToolsDir, buildDockerfile),
		context:    opts.Common.RootDir,
		target:     "repack",
		tag: appendToken(
			fmt.Sprintf("buildsys-repack-%s-%s", opts.Variant, opts.Common.Arch),
			opts.Common.RootDir),
		rootDir: opts.Common.RootDir,
		artifactsDirs: []string{
			filepath.Join(opts.ImageDir, fmt.Sprintf("%s-%s", opts.Common.Arch, opts.Variant)),
		},
		stateDir:     opts.Common.StateDir,
		artifactName: opts.Variant,
		common: newCommonBuildArgs(
			opts.Common.RootDir, opts.Common.SDKImage, opts.Common.Arch, cleanupNone),
		targetArgs: RepackTarget{
			DataImagePublishSizeGiB: dataPublishSize,
			DataImageSizeGiB:        layout.DataImageSizeGiB,
			ImageFeatures:           manifest.ImageFeatures,
			ImageFormat:             imageFormat,
			Name:                    opts.Name,
			OSImagePublishSizeGiB:   osPublishSize,
			OSImageSizeGiB:          layout.OSImageSizeGiB,
			PartitionPlan:           partitionPlan,
			Variant:                 opts.Variant,
			VersionBuild:            opts.VersionBuild,
			VersionImage:            opts.VersionImage,
		},
		secretsArgs: secrets,
	}, nil
}

// Run executes the build: version gate, state preparation, optional
// cleanup of previously tracked outputs, the retried main build with its
// auxiliary tasks, and promotion of the produced artifacts.
func (b *DockerBuild) Run(ctx context.Context) error {
	if err := checkDockerVersion(); err != nil {
		return err
	}

	markerDir, err := EnsureMarkerDir(b.targetArgs.Kind(), b.artifactName, b.common.arch, b.stateDir)
	if err != nil {
		return err
	}

	// Remove anything a previous build promoted, so outputs the current
	// build no longer produces do not linger.
	if b.common.cleanup == cleanupBeforeBuild {
		if err := CleanOutputs(markerDir, b.artifactsDirs); err != nil {
			return err
		}
	}

	uid := os.Getuid()
	build := b.buildArgs(uid)
	rmImage := []string{"rmi", "--force", b.tag}
	rmBypass := []string{"rm", "--force", b.tag + "-bypass"}

	// Remove leftovers from a previous invocation under the same names.
	_, _ = runDocker(rmImage, nil)
	_, _ = runDocker(rmBypass, nil)

	auxCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var aux errgroup.Group

	// Share the marker directory descriptor with the build, so it can
	// write outputs without a writable mount.
	srv := &fdsrv.Server{
		Socket:    b.common.outputSocket,
		ClientUID: rootUID,
		Path:      markerDir,
	}
	aux.Go(func() error {
		if err := srv.Serve(auxCtx); err != nil {
			log.WithError(err).Debug("output socket server stopped")
		}
		return nil
	})

	// Run a helper container with the project root as a read-only volume,
	// so a read-only descriptor can be served into the build.
	runBypass := b.bypassRunArgs()
	aux.Go(func() error {
		_, _ = runDocker(runBypass, nil)
		return nil
	})

	_, buildErr := runDocker(build, defaultBuildRetry)

	// Teardown happens on every exit path. Removing the bypass container
	// unblocks its run goroutine, and the cancellation stops the socket
	// server, so the join below cannot hang.
	_, _ = runDocker(rmBypass, nil)
	cancel()
	_ = aux.Wait()

	if buildErr != nil {
		_, _ = runDocker(rmImage, nil)
		return buildErr
	}

	if _, err := runDocker(rmImage, nil); err != nil {
		return err
	}

	// Only the first artifacts directory receives new promotions; any
	// further directories exist for legacy cleanup only.
	return PromoteOutputs(markerDir, b.artifactsDirs[0])
}

func (b *DockerBuild) buildArgs(uid int) []string {
	build := []string{
		"build", b.context,
		"--target", b.target,
		"--tag", b.tag,
		"--network", "host",
		"--file", b.dockerfile,
		"--no-cache-filter", builderStages,
	}

	var args dockerArgs
	args.buildArg("BYPASS_SOCKET", b.tag+"-bypass")
	args.buildArg("BUILDER_UID", strconv.Itoa(uid))
	args.buildArg("ARCH", string(b.common.arch))
	args.buildArg("GOARCH", b.common.arch.GoArch())
	args.buildArg("SDK", b.common.sdk)
	args.buildArg("NOCACHE", b.common.nocache)
	args.buildArg("TOKEN", b.common.token)
	args.buildArg("OUTPUT_SOCKET", b.common.outputSocket)

	// Skip two build checks: InvalidDefaultArgInFrom fires on the SDK
	// argument, which is always set, and SecretsUsedInArgOrEnv fires on
	// TOKEN, which is not a secret.
	args.buildArg("BUILDKIT_DOCKERFILE_CHECK", "skip=InvalidDefaultArgInFrom,SecretsUsedInArgOrEnv")

	build = append(build, b.targetArgs.BuildArgs()...)
	build = append(build, args...)
	build = append(build, b.secretsArgs...)
	return build
}

func (b *DockerBuild) bypassRunArgs() []string {
	return []string{
		"run",
		"--name", b.tag + "-bypass",
		"--rm",
		"--init",
		"--net", "host",
		"--pid", "host",
		"-u", strconv.Itoa(rootUID),
		"-v", b.rootDir + ":/bypass:ro",
		"-v", filepath.Join(b.rootDir, "build/tools/pipesys") + ":/usr/local/bin/pipesys:ro",
		b.common.sdk,
		"pipesys", "serve",
		"--socket", b.tag + "-bypass",
		"--client-uid", strconv.Itoa(rootUID),
		"--path", "/bypass",
	}
}
