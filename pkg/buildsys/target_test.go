package buildsys

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// buildArgMap splits a --build-arg vector into a key/value map and fails
// the test on malformed flags or duplicate keys.
func buildArgMap(t *testing.T, args []string) map[string]string {
	t.Helper()
	res := make(map[string]string)
	require.Zero(t, len(args)%2, "build args must come in flag/value pairs")
	for i := 0; i < len(args); i += 2 {
		require.Equal(t, "--build-arg", args[i])
		key, value, ok := strings.Cut(args[i+1], "=")
		require.True(t, ok, "build arg %q is not KEY=VALUE", args[i+1])
		_, dup := res[key]
		require.False(t, dup, "build arg %s appears more than once", key)
		res[key] = value
	}
	return res
}

func TestPackageTargetBuildArgs(t *testing.T) {
	target := PackageTarget{
		Package:                 "kernel-6.1",
		PackageDependencies:     []string{"glibc", "libz"},
		KitDependencies:         []string{"core-kit"},
		ExternalKitDependencies: []string{"vendor-kit"},
		VersionBuild:            "abcdef",
		VersionBuildTimestamp:   "1700000000",
	}
	require.Equal(t, BuildPackage, target.Kind())

	want := map[string]string{
		"KIT_DEPENDENCIES":          "core-kit",
		"EXTERNAL_KIT_DEPENDENCIES": "vendor-kit",
		"PACKAGE":                   "kernel-6.1",
		"PACKAGE_DEPENDENCIES":      "glibc libz",
		"BUILD_ID":                  "abcdef",
		"BUILD_ID_TIMESTAMP":        "1700000000",
	}
	if diff := cmp.Diff(want, buildArgMap(t, target.BuildArgs())); diff != "" {
		t.Errorf("package build args mismatch (-want +got):\n%s", diff)
	}
}

func TestKitTargetBuildArgs(t *testing.T) {
	target := KitTarget{
		Kit:                 "core-kit",
		PackageDependencies: []string{"kernel-6.1", "glibc"},
		ExternalKitMetadata: "external-kits/external-kit-metadata.json",
		LocalKits:           []string{"bootstrap-kit"},
		Vendor:              "acme",
		VersionBuild:        "abcdef",
		VersionID:           "1.2.0",
	}
	require.Equal(t, BuildKit, target.Kind())

	want := map[string]string{
		"KIT":                    "core-kit",
		"PACKAGE_DEPENDENCIES":   "kernel-6.1 glibc",
		"BUILD_ID":               "abcdef",
		"VERSION_ID":             "1.2.0",
		"EXTERNAL_KIT_METADATA":  "external-kits/external-kit-metadata.json",
		"VENDOR":                 "acme",
		"LOCAL_KIT_DEPENDENCIES": "bootstrap-kit",
	}
	if diff := cmp.Diff(want, buildArgMap(t, target.BuildArgs())); diff != "" {
		t.Errorf("kit build args mismatch (-want +got):\n%s", diff)
	}
}

func TestVariantTargetBuildArgs(t *testing.T) {
	target := VariantTarget{
		PackageDependencies:     []string{"release"},
		KitDependencies:         []string{"core-kit"},
		ExternalKitDependencies: []string{},
		DataImagePublishSizeGiB: 20,
		DataImageSizeGiB:        1,
		ImageFeatures:           []string{"UEFI_SECURE_BOOT", "GRUB_SET_PRIVATE_VAR"},
		ImageFormat:             "raw",
		KernelParameters:        "console=ttyS0",
		Name:                    "acme-os",
		OSImagePublishSizeGiB:   2,
		OSImageSizeGiB:          2,
		Packages:                "release",
		PartitionPlan:           "split",
		PrettyName:              "Acme OS",
		Variant:                 "aws-k8s-1.29",
		VariantFamily:           "aws-k8s",
		VariantFlavor:           "1.29",
		VariantPlatform:         "aws",
		VariantRuntime:          "k8s",
		VersionBuild:            "abcdef",
		VersionImage:            "1.2.0",
	}
	require.Equal(t, BuildVariant, target.Kind())

	got := buildArgMap(t, target.BuildArgs())
	require.Equal(t, "1", got["UEFI_SECURE_BOOT"])
	require.Equal(t, "1", got["GRUB_SET_PRIVATE_VAR"])
	require.Equal(t, "20", got["DATA_IMAGE_PUBLISH_SIZE_GIB"])
	require.Equal(t, "raw", got["IMAGE_FORMAT"])
	require.Equal(t, "aws-k8s", got["VARIANT_FAMILY"])
	require.Equal(t, "1.29", got["VARIANT_FLAVOR"])
	require.Equal(t, "console=ttyS0", got["KERNEL_PARAMETERS"])
	require.Equal(t, "1.2.0", got["VERSION_ID"])
	require.Len(t, got, 22)
}

func TestVariantTargetFeatureArgsAreStable(t *testing.T) {
	a := VariantTarget{ImageFeatures: []string{"B_FEATURE", "A_FEATURE"}}
	b := VariantTarget{ImageFeatures: []string{"A_FEATURE", "B_FEATURE"}}
	require.Equal(t, a.BuildArgs(), b.BuildArgs())
}

func TestRepackTargetBuildArgs(t *testing.T) {
	target := RepackTarget{
		DataImagePublishSizeGiB: -1,
		DataImageSizeGiB:        1,
		ImageFormat:             "vmdk",
		Name:                    "acme-os",
		OSImagePublishSizeGiB:   2,
		OSImageSizeGiB:          2,
		PartitionPlan:           "unified",
		Variant:                 "vmware-dev",
		VersionBuild:            "abcdef",
		VersionImage:            "1.2.0",
	}
	require.Equal(t, BuildRepack, target.Kind())

	got := buildArgMap(t, target.BuildArgs())
	require.Equal(t, "-1", got["DATA_IMAGE_PUBLISH_SIZE_GIB"])
	require.Equal(t, "vmdk", got["IMAGE_FORMAT"])
	require.Equal(t, "unified", got["PARTITION_PLAN"])
	require.Len(t, got, 10)
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		name    string
		want    Variant
		wantErr bool
	}{
		{
			name: "aws-k8s-1.29",
			want: Variant{Platform: "aws", Runtime: "k8s", Family: "aws-k8s", Flavor: "1.29"},
		},
		{
			name: "metal-dev",
			want: Variant{Platform: "metal", Runtime: "dev", Family: "metal-dev"},
		},
		{
			name: "aws-ecs-2-nvidia",
			want: Variant{Platform: "aws", Runtime: "ecs", Family: "aws-ecs", Flavor: "2-nvidia"},
		},
		{name: "solo", wantErr: true},
		{name: "", wantErr: true},
		{name: "-dev", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseVariant(test.name)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestParseArch(t *testing.T) {
	arch, err := ParseArch("x86_64")
	require.NoError(t, err)
	require.Equal(t, "amd64", arch.GoArch())

	arch, err = ParseArch("aarch64")
	require.NoError(t, err)
	require.Equal(t, "arm64", arch.GoArch())

	_, err = ParseArch("riscv64")
	require.Error(t, err)
}
