package buildsys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestSecretsArgs(t *testing.T) {
	sbkeys := t.TempDir()
	writeFile(t, filepath.Join(sbkeys, "db.key"), "key")
	writeFile(t, filepath.Join(sbkeys, "db.crt"), "crt")

	bundle := filepath.Join(t.TempDir(), "bundle.pem")
	writeFile(t, bundle, "certs")
	rootJSON := filepath.Join(t.TempDir(), "root.json")
	writeFile(t, rootJSON, "{}")

	t.Setenv("BUILDSYS_SBKEYS_PROFILE_DIR", sbkeys)
	t.Setenv("BUILDSYS_CACERTS_BUNDLE_OVERRIDE", bundle)
	t.Setenv("PUBLISH_REPO_ROOT_JSON", rootJSON)

	args, err := secretsArgs()
	require.NoError(t, err)

	want := []string{
		"--secret", "type=file,id=db.crt,src=" + filepath.Join(sbkeys, "db.crt"),
		"--secret", "type=file,id=db.key,src=" + filepath.Join(sbkeys, "db.key"),
		"--secret", "type=file,id=ca-bundle.crt,src=" + bundle,
		"--secret", "type=file,id=root.json,src=" + rootJSON,
		"--secret", "type=env,id=aws-access-key-id.env,src=AWS_ACCESS_KEY_ID",
		"--secret", "type=env,id=aws-secret-access-key.env,src=AWS_SECRET_ACCESS_KEY",
		"--secret", "type=env,id=aws-session-token.env,src=AWS_SESSION_TOKEN",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("secret args mismatch (-want +got):\n%s", diff)
	}
}

func TestSecretsArgsEmptyOverrides(t *testing.T) {
	sbkeys := t.TempDir()

	t.Setenv("BUILDSYS_SBKEYS_PROFILE_DIR", sbkeys)
	t.Setenv("BUILDSYS_CACERTS_BUNDLE_OVERRIDE", "")
	t.Setenv("PUBLISH_REPO_ROOT_JSON", "")

	args, err := secretsArgs()
	require.NoError(t, err)

	// no key files, no overrides: only the AWS passthrough remains
	require.Len(t, args, 2*len(awsCredentialVars))
}

func TestSecretsArgsMissingOverrideFile(t *testing.T) {
	t.Setenv("BUILDSYS_SBKEYS_PROFILE_DIR", t.TempDir())
	t.Setenv("BUILDSYS_CACERTS_BUNDLE_OVERRIDE", filepath.Join(t.TempDir(), "no-such-bundle.pem"))
	t.Setenv("PUBLISH_REPO_ROOT_JSON", "")

	_, err := secretsArgs()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no-such-bundle.pem")
}

func TestSecretsArgsRequiredEnvUnset(t *testing.T) {
	// t.Setenv registers cleanup; unsetting afterwards leaves the
	// environment restored once the test ends.
	t.Setenv("BUILDSYS_SBKEYS_PROFILE_DIR", "")
	os.Unsetenv("BUILDSYS_SBKEYS_PROFILE_DIR")
	t.Setenv("BUILDSYS_CACERTS_BUNDLE_OVERRIDE", "")
	t.Setenv("PUBLISH_REPO_ROOT_JSON", "")

	_, err := secretsArgs()
	require.Error(t, err)
	require.Contains(t, err.Error(), "BUILDSYS_SBKEYS_PROFILE_DIR")
}
