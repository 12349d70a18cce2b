package buildsys

import (
	"os"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// defaultExternalKitMetadata is where the build container expects the
// external kit metadata relative to the project root.
const defaultExternalKitMetadata = "external-kits/external-kit-metadata.json"

const (
	defaultOSImageSizeGiB   = 2
	defaultDataImageSizeGiB = 1
)

// ResolvedManifest is the metadata the manifest collaborator has already
// resolved for one build target. buildsys consumes it as-is; it does not
// parse build files or solve the dependency graph.
type ResolvedManifest struct {
	Package                 string      `yaml:"package"`
	Kit                     string      `yaml:"kit"`
	Vendor                  string      `yaml:"vendor"`
	PackageDependencies     []string    `yaml:"package-dependencies"`
	KitDependencies         []string    `yaml:"kit-dependencies"`
	ExternalKitDependencies []string    `yaml:"external-kit-dependencies"`
	ExternalKitMetadata     string      `yaml:"external-kit-metadata"`
	IncludedPackages        []string    `yaml:"included-packages"`
	KernelParameters        []string    `yaml:"kernel-parameters"`
	ImageFormat             string      `yaml:"image-format"`
	ImageFeatures           []string    `yaml:"image-features"`
	ImageLayout             ImageLayout `yaml:"image-layout"`
}

// LoadResolvedManifest reads a resolved manifest from a YAML file.
func LoadResolvedManifest(path string) (*ResolvedManifest, error) {
	fc, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot read resolved manifest %s: %w", path, err)
	}

	var m ResolvedManifest
	if err := yaml.Unmarshal(fc, &m); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal resolved manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *ResolvedManifest) imageFormat() (string, error) {
	switch m.ImageFormat {
	case "":
		return "raw", nil
	case "raw", "qcow2", "vmdk":
		return m.ImageFormat, nil
	}
	return "", xerrors.Errorf("unsupported image format %q", m.ImageFormat)
}

func (m *ResolvedManifest) externalKitMetadata() string {
	if m.ExternalKitMetadata == "" {
		return defaultExternalKitMetadata
	}
	return m.ExternalKitMetadata
}

// ImageLayout describes the on-disk layout of a variant image.
type ImageLayout struct {
	OSImageSizeGiB          int    `yaml:"os-image-size-gib"`
	DataImageSizeGiB        int    `yaml:"data-image-size-gib"`
	OSImagePublishSizeGiB   int    `yaml:"os-image-publish-size-gib"`
	DataImagePublishSizeGiB int    `yaml:"data-image-publish-size-gib"`
	PartitionPlan           string `yaml:"partition-plan"`
}

// withDefaults fills in the stock layout for manifests that do not
// customize it.
func (l ImageLayout) withDefaults() ImageLayout {
	if l.OSImageSizeGiB == 0 {
		l.OSImageSizeGiB = defaultOSImageSizeGiB
	}
	if l.DataImageSizeGiB == 0 {
		l.DataImageSizeGiB = defaultDataImageSizeGiB
	}
	if l.PartitionPlan == "" {
		l.PartitionPlan = "split"
	}
	return l
}

func (l ImageLayout) partitionPlan() (string, error) {
	switch l.PartitionPlan {
	case "split", "unified":
		return l.PartitionPlan, nil
	}
	return "", xerrors.Errorf("unsupported partition plan %q", l.PartitionPlan)
}

// publishSizes returns the advertised image sizes, falling back to the
// build sizes when the manifest does not override them. A unified layout
// has no separate data image, reported as -1.
func (l ImageLayout) publishSizes() (osSize, dataSize int) {
	osSize = l.OSImagePublishSizeGiB
	if osSize == 0 {
		osSize = l.OSImageSizeGiB
	}
	if l.PartitionPlan == "unified" {
		return osSize, -1
	}
	dataSize = l.DataImagePublishSizeGiB
	if dataSize == 0 {
		dataSize = l.DataImageSizeGiB
	}
	return osSize, dataSize
}
