package buildsys

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"golang.org/x/xerrors"
)

// secretsEnv names the environment variables that contribute build
// secrets. All three must be set; the override paths may be empty.
type secretsEnv struct {
	SBKeysProfileDir      string `env:"BUILDSYS_SBKEYS_PROFILE_DIR,required"`
	CACertsBundleOverride string `env:"BUILDSYS_CACERTS_BUNDLE_OVERRIDE,required"`
	RepoRootJSON          string `env:"PUBLISH_REPO_ROOT_JSON,required"`
}

// awsCredentialVars are forwarded as environment-sourced secrets. Only the
// variable name crosses into the engine, never its value.
var awsCredentialVars = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
}

// secretsArgs assembles the --secret arguments for image builds: one file
// secret per signing key in the profile directory, optional CA bundle and
// repo root overrides, and the AWS credential passthrough.
func secretsArgs() ([]string, error) {
	var cfg secretsEnv
	if err := env.Parse(&cfg); err != nil {
		return nil, xerrors.Errorf("cannot read secrets configuration from environment: %w", err)
	}

	var args dockerArgs

	entries, err := os.ReadDir(cfg.SBKeysProfileDir)
	if err != nil {
		return nil, xerrors.Errorf("cannot read signing key directory %s: %w", cfg.SBKeysProfileDir, err)
	}
	for _, entry := range entries {
		args.secret("file", entry.Name(), filepath.Join(cfg.SBKeysProfileDir, entry.Name()))
	}

	if cfg.CACertsBundleOverride != "" {
		if _, err := os.Stat(cfg.CACertsBundleOverride); err != nil {
			return nil, xerrors.Errorf("CA bundle override %s is not usable: %w", cfg.CACertsBundleOverride, err)
		}
		args.secret("file", "ca-bundle.crt", cfg.CACertsBundleOverride)
	}

	if cfg.RepoRootJSON != "" {
		if _, err := os.Stat(cfg.RepoRootJSON); err != nil {
			return nil, xerrors.Errorf("repo root override %s is not usable: %w", cfg.RepoRootJSON, err)
		}
		args.secret("file", "root.json", cfg.RepoRootJSON)
	}

	for _, v := range awsCredentialVars {
		id := strings.ToLower(strings.ReplaceAll(v, "_", "-")) + ".env"
		args.secret("env", id, v)
	}

	return args, nil
}
