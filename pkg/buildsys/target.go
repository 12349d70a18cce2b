package buildsys

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// BuildKind discriminates the four kinds of build targets.
type BuildKind string

const (
	// BuildPackage builds a single software package.
	BuildPackage BuildKind = "package"
	// BuildKit builds an aggregation kit of packages.
	BuildKit BuildKind = "kit"
	// BuildVariant builds a bootable OS image variant.
	BuildVariant BuildKind = "variant"
	// BuildRepack repackages an existing variant image in place.
	BuildRepack BuildKind = "repack"
)

// markerPrefix returns the per-kind directory prefix under the state root.
// Repack operates on variant outputs and shares the variants prefix.
func (k BuildKind) markerPrefix() string {
	switch k {
	case BuildPackage:
		return "packages"
	case BuildKit:
		return "kits"
	default:
		return "variants"
	}
}

// SupportedArch is a target CPU architecture.
type SupportedArch string

const (
	// ArchX86_64 targets x86_64 hosts.
	ArchX86_64 SupportedArch = "x86_64"
	// ArchAarch64 targets aarch64 hosts.
	ArchAarch64 SupportedArch = "aarch64"
)

// ParseArch validates an architecture name.
func ParseArch(s string) (SupportedArch, error) {
	switch SupportedArch(s) {
	case ArchX86_64, ArchAarch64:
		return SupportedArch(s), nil
	}
	return "", xerrors.Errorf("unsupported architecture %q", s)
}

// GoArch returns the alias the cross-compilation toolchain uses for this
// architecture.
func (a SupportedArch) GoArch() string {
	switch a {
	case ArchAarch64:
		return "arm64"
	default:
		return "amd64"
	}
}

// Variant is the parsed form of a variant name such as "aws-k8s-1.29":
// platform, runtime and an optional flavor, joined by dashes.
type Variant struct {
	Platform string
	Runtime  string
	Family   string
	Flavor   string
}

// ParseVariant splits a variant name into its components.
func ParseVariant(name string) (Variant, error) {
	segs := strings.Split(name, "-")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return Variant{}, xerrors.Errorf("cannot parse variant name %q: expected platform-runtime[-flavor]", name)
	}
	return Variant{
		Platform: segs[0],
		Runtime:  segs[1],
		Family:   segs[0] + "-" + segs[1],
		Flavor:   strings.Join(segs[2:], "-"),
	}, nil
}

// dockerArgs collects flags for the docker CLI.
type dockerArgs []string

func (d *dockerArgs) buildArg(key, value string) {
	*d = append(*d, "--build-arg", key+"="+value)
}

func (d *dockerArgs) secret(typ, id, src string) {
	*d = append(*d, "--secret", fmt.Sprintf("type=%s,id=%s,src=%s", typ, id, src))
}

// TargetArgs produces the kind-specific build arguments for a build target.
type TargetArgs interface {
	Kind() BuildKind
	BuildArgs() []string
}

// PackageTarget carries the already-resolved parameters of a package build.
type PackageTarget struct {
	Package                 string
	PackageDependencies     []string
	KitDependencies         []string
	ExternalKitDependencies []string
	VersionBuild            string
	VersionBuildTimestamp   string
}

// Kind implements TargetArgs
func (p PackageTarget) Kind() BuildKind { return BuildPackage }

// BuildArgs implements TargetArgs
func (p PackageTarget) BuildArgs() []string {
	var args dockerArgs
	args.buildArg("KIT_DEPENDENCIES", strings.Join(p.KitDependencies, " "))
	args.buildArg("EXTERNAL_KIT_DEPENDENCIES", strings.Join(p.ExternalKitDependencies, " "))
	args.buildArg("PACKAGE", p.Package)
	args.buildArg("PACKAGE_DEPENDENCIES", strings.Join(p.PackageDependencies, " "))
	args.buildArg("BUILD_ID", p.VersionBuild)
	args.buildArg("BUILD_ID_TIMESTAMP", p.VersionBuildTimestamp)
	return args
}

// KitTarget carries the already-resolved parameters of a kit build.
type KitTarget struct {
	Kit                 string
	PackageDependencies []string
	ExternalKitMetadata string
	LocalKits           []string
	Vendor              string
	VersionBuild        string
	VersionID           string
}

// Kind implements TargetArgs
func (k KitTarget) Kind() BuildKind { return BuildKit }

// BuildArgs implements TargetArgs
func (k KitTarget) BuildArgs() []string {
	var args dockerArgs
	args.buildArg("KIT", k.Kit)
	args.buildArg("PACKAGE_DEPENDENCIES", strings.Join(k.PackageDependencies, " "))
	args.buildArg("BUILD_ID", k.VersionBuild)
	args.buildArg("VERSION_ID", k.VersionID)
	args.buildArg("EXTERNAL_KIT_METADATA", k.ExternalKitMetadata)
	args.buildArg("VENDOR", k.Vendor)
	args.buildArg("LOCAL_KIT_DEPENDENCIES", strings.Join(k.LocalKits, " "))
	return args
}

// VariantTarget carries the already-resolved parameters of a variant image
// build.
type VariantTarget struct {
	PackageDependencies     []string
	KitDependencies         []string
	ExternalKitDependencies []string
	DataImagePublishSizeGiB int
	DataImageSizeGiB        int
	ImageFeatures           []string
	ImageFormat             string
	KernelParameters        string
	Name                    string
	OSImagePublishSizeGiB   int
	OSImageSizeGiB          int
	Packages                string
	PartitionPlan           string
	PrettyName              string
	Variant                 string
	VariantFamily           string
	VariantFlavor           string
	VariantPlatform         string
	VariantRuntime          string
	VersionBuild            string
	VersionImage            string
}

// Kind implements TargetArgs
func (v VariantTarget) Kind() BuildKind { return BuildVariant }

// BuildArgs implements TargetArgs
func (v VariantTarget) BuildArgs() []string {
	var args dockerArgs
	args.buildArg("DATA_IMAGE_PUBLISH_SIZE_GIB", strconv.Itoa(v.DataImagePublishSizeGiB))
	args.buildArg("BUILD_ID", v.VersionBuild)
	args.buildArg("DATA_IMAGE_SIZE_GIB", strconv.Itoa(v.DataImageSizeGiB))
	args.buildArg("IMAGE_FORMAT", v.ImageFormat)
	args.buildArg("IMAGE_NAME", v.Name)
	args.buildArg("KERNEL_PARAMETERS", v.KernelParameters)
	args.buildArg("KIT_DEPENDENCIES", strings.Join(v.KitDependencies, " "))
	args.buildArg("EXTERNAL_KIT_DEPENDENCIES", strings.Join(v.ExternalKitDependencies, " "))
	args.buildArg("OS_IMAGE_PUBLISH_SIZE_GIB", strconv.Itoa(v.OSImagePublishSizeGiB))
	args.buildArg("OS_IMAGE_SIZE_GIB", strconv.Itoa(v.OSImageSizeGiB))
	args.buildArg("PACKAGES", v.Packages)
	args.buildArg("PACKAGE_DEPENDENCIES", strings.Join(v.PackageDependencies, " "))
	args.buildArg("PARTITION_PLAN", v.PartitionPlan)
	args.buildArg("PRETTY_NAME", v.PrettyName)
	args.buildArg("VARIANT", v.Variant)
	args.buildArg("VARIANT_FAMILY", v.VariantFamily)
	args.buildArg("VARIANT_FLAVOR", v.VariantFlavor)
	args.buildArg("VARIANT_PLATFORM", v.VariantPlatform)
	args.buildArg("VARIANT_RUNTIME", v.VariantRuntime)
	args.buildArg("VERSION_ID", v.VersionImage)
	appendFeatureArgs(&args, v.ImageFeatures)
	return args
}

// RepackTarget carries the already-resolved parameters of a variant
// repackaging run.
type RepackTarget struct {
	DataImagePublishSizeGiB int
	DataImageSizeGiB        int
	ImageFeatures           []string
	ImageFormat             string
	Name                    string
	OSImagePublishSizeGiB   int
	OSImageSizeGiB          int
	PartitionPlan           string
	Variant                 string
	VersionBuild            string
	VersionImage            string
}

// Kind implements TargetArgs
func (r RepackTarget) Kind() BuildKind { return BuildRepack }

// BuildArgs implements TargetArgs
func (r RepackTarget) BuildArgs() []string {
	var args dockerArgs
	args.buildArg("DATA_IMAGE_PUBLISH_SIZE_GIB", strconv.Itoa(r.DataImagePublishSizeGiB))
	args.buildArg("DATA_IMAGE_SIZE_GIB", strconv.Itoa(r.DataImageSizeGiB))
	args.buildArg("IMAGE_FORMAT", r.ImageFormat)
	args.buildArg("IMAGE_NAME", r.Name)
	args.buildArg("OS_IMAGE_PUBLISH_SIZE_GIB", strconv.Itoa(r.OSImagePublishSizeGiB))
	args.buildArg("OS_IMAGE_SIZE_GIB", strconv.Itoa(r.OSImageSizeGiB))
	args.buildArg("PARTITION_PLAN", r.PartitionPlan)
	args.buildArg("VARIANT", r.Variant)
	args.buildArg("BUILD_ID", r.VersionBuild)
	args.buildArg("VERSION_ID", r.VersionImage)
	appendFeatureArgs(&args, r.ImageFeatures)
	return args
}

// appendFeatureArgs emits one boolean build argument per image feature, in
// stable order so repeated invocations assemble identical argument vectors.
func appendFeatureArgs(args *dockerArgs, features []string) {
	sorted := make([]string, len(features))
	copy(sorted, features)
	sort.Strings(sorted)
	for _, feature := range sorted {
		args.buildArg(feature, "1")
	}
}
