package buildsys

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/segmentio/textio"
	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
)

// The build relies on Dockerfile syntax 1.4.3, which ships by default with
// Docker 23.0.0. We avoid explicit syntax= directives so builds never need
// network access to fetch a frontend.
const minDockerVersion = "v23.0.0"

// dockerBuildMaxAttempts bounds the retry loop for the main build.
const dockerBuildMaxAttempts = 10

// dockerCommand is the engine binary we invoke. Tests swap it out for a
// fake.
var dockerCommand = "docker"

// Known transient failure signatures of docker/BuildKit. Matching output
// means the failed build is safe to re-run from scratch.
var (
	// Parallel docker build executions can kill the BuildKit frontend,
	// see https://github.com/moby/buildkit/issues/1090. The exit code is a
	// generic 1, so the output signature is all we have. The error prefix
	// differs across engine versions, hence the bare signature.
	frontendClosedError = regexp.MustCompile(`frontend grpc server closed unexpectedly`)

	// Fixed upstream (https://github.com/moby/buildkit/issues/1468) but
	// still present in widely deployed Docker versions.
	deadRecordError = regexp.MustCompile(`failed to get dead record`)

	// Sporadic CI failures carry only this message on a line of its own,
	// hence the multi-line mode match against the whole output.
	unexpectedEOFError = regexp.MustCompile(`(?m)unexpected EOF$`)

	// RPMs not yet fully written to the host directory expose createrepo_c
	// to partial files. Restarting the build is cheaper than syncing the
	// host directory and safer than ignoring the createrepo_c exit code.
	createrepoReadHeaderError = regexp.MustCompile(regexp.QuoteMeta(
		`C_CREATEREPOLIB: Warning: read_header: rpmReadPackageFile() error`))
)

// defaultBuildRetry is the policy applied to the main build invocation.
var defaultBuildRetry = &RetryPolicy{
	Attempts: dockerBuildMaxAttempts,
	Patterns: []*regexp.Regexp{
		frontendClosedError,
		deadRecordError,
		unexpectedEOFError,
		createrepoReadHeaderError,
	},
}

// RetryPolicy classifies failed invocations as retryable. A nil policy
// means a single attempt.
type RetryPolicy struct {
	Attempts int
	Patterns []*regexp.Regexp
}

func (p *RetryPolicy) shouldRetry(attempt int, output []byte) bool {
	if p == nil || attempt >= p.Attempts {
		return false
	}
	for _, ptn := range p.Patterns {
		if ptn.Match(output) {
			return true
		}
	}
	return false
}

// BuildFailedErr is returned when an invocation exits non-zero and no
// retry applies. It carries the exact argument vector and the full
// combined output for diagnosis.
type BuildFailedErr struct {
	Args   []string
	Output []byte
}

func (e BuildFailedErr) Error() string {
	return fmt.Sprintf("docker execution failed: docker %s", strings.Join(e.Args, " "))
}

// runDocker invokes the build engine with stdout and stderr merged into
// one stream, both captured and echoed live. On non-zero exit the output
// is matched against the policy's patterns; a match below the attempt
// bound triggers a full re-invocation.
func runDocker(args []string, retry *RetryPolicy) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		var buf bytes.Buffer
		pw := textio.NewPrefixWriter(os.Stdout, "[docker] ")
		out := io.MultiWriter(&buf, pw)

		cmd := exec.Command(dockerCommand, args...)
		cmd.Stdout = out
		cmd.Stderr = out

		err := cmd.Run()
		_ = pw.Flush()
		if err == nil {
			return buf.Bytes(), nil
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, xerrors.Errorf("cannot start docker: %w", err)
		}

		if !retry.shouldRetry(attempt, buf.Bytes()) {
			return nil, BuildFailedErr{Args: args, Output: buf.Bytes()}
		}

		log.WithFields(log.Fields{
			"attempt": attempt,
			"limit":   retry.Attempts,
		}).Warn("docker failed with a known transient error, retrying")
	}
}

// DockerServerVersion queries the engine for its server version string.
func DockerServerVersion() (string, error) {
	out, err := runDocker([]string{"version", "--format", "{{.Server.Version}}"}, nil)
	if err != nil {
		return "", xerrors.Errorf("cannot query docker server version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// checkDockerVersion ensures the engine satisfies the minimum supported
// version before any other side effect.
func checkDockerVersion() error {
	version, err := DockerServerVersion()
	if err != nil {
		return err
	}
	return checkVersionString(version)
}

func checkVersionString(version string) error {
	v := "v" + strings.TrimPrefix(version, "v")
	if !semver.IsValid(v) {
		return xerrors.Errorf("cannot parse docker server version %q", version)
	}
	if semver.Compare(v, minDockerVersion) < 0 {
		return xerrors.Errorf("docker server version %s does not satisfy required version >= %s",
			version, strings.TrimPrefix(minDockerVersion, "v"))
	}
	return nil
}
