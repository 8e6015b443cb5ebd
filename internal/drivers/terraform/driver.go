// Package terraform implements the Terraform destination driver, the worked
// example of the driver.Driver contract: materialize staged files into a
// scoped temp directory, locate the matching destination subtree, and drive
// `terraform init` then `plan`/`apply` against the embedded HTTP state
// backend.
package terraform

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forest-release/forest/internal/driver"
	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/releaselog"
	"github.com/forest-release/forest/internal/staging"
	"github.com/forest-release/forest/internal/tempdir"
)

// SecretStore mints and returns the per-state secret used for HTTP basic
// auth against the state backend. Satisfied by *tfbackend.Backend; the
// driver talks to it in-process rather than over HTTP since both live in
// the same server.
type SecretStore interface {
	SecretFor(stateID string) string
}

// Driver implements driver.Driver for Terraform destinations.
type Driver struct {
	driverType driver.Type

	tempdirs    *tempdir.Manager
	secrets     SecretStore
	externalURL string
	executable  string
	identifier  string
	breaker     *gobreaker.CircuitBreaker

	getFiles func(ctx context.Context, artifactID string, env string) ([]staging.ReleaseFile, error)
}

// Config configures a Driver.
type Config struct {
	Executable  string // path to the terraform binary; defaults to "terraform"
	ExternalURL string // base URL at which this process's tfbackend is reachable from the terraform subprocess
	Identifier  string // value sent as TF_HTTP_USERNAME
}

// New builds a Terraform driver for (org, name, version).
func New(driverType driver.Type, tempdirs *tempdir.Manager, secrets SecretStore, cfg Config,
	getFiles func(ctx context.Context, artifactID string, env string) ([]staging.ReleaseFile, error),
) *Driver {
	executable := cfg.Executable
	if executable == "" {
		executable = "terraform"
	}
	identifier := cfg.Identifier
	if identifier == "" {
		identifier = "forest-scheduler"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("terraform-driver/%s", driverType.Key()),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Driver{
		driverType:  driverType,
		tempdirs:    tempdirs,
		secrets:     secrets,
		externalURL: strings.TrimSuffix(cfg.ExternalURL, "/"),
		executable:  executable,
		identifier:  identifier,
		breaker:     breaker,
		getFiles:    getFiles,
	}
}

// DriverType implements driver.Driver.
func (d *Driver) DriverType() driver.Type { return d.driverType }

// Prepare runs `terraform init` then `plan`.
func (d *Driver) Prepare(ctx context.Context, inv driver.Invocation) error {
	return d.run(ctx, inv, []string{"plan", "-no-color"})
}

// Release runs `terraform init` then `apply`.
func (d *Driver) Release(ctx context.Context, inv driver.Invocation) error {
	return d.run(ctx, inv, []string{"apply", "-auto-approve", "-no-color"})
}

func (d *Driver) run(ctx context.Context, inv driver.Invocation, verb []string) error {
	stateID := fmt.Sprintf("%s.%d", inv.Environment, inv.Release.ProjectID)
	secret := d.secrets.SecretFor(stateID)

	base := fmt.Sprintf("%s/%s", d.externalURL, stateID)
	env := map[string]string{
		"TF_HTTP_ADDRESS":        base,
		"TF_HTTP_LOCK_ADDRESS":   base + "/lock",
		"TF_HTTP_UNLOCK_ADDRESS": base + "/unlock",
		"TF_HTTP_PASSWORD":       secret,
		"TF_HTTP_LOCK_METHOD":    "POST",
		"TF_HTTP_UNLOCK_METHOD":  "POST",
		"TF_HTTP_USERNAME":       d.identifier,
		"NO_COLOR":               "1",
		"TF_IN_AUTOMATION":       "true",
		"CI":                     "true",
	}
	for k, v := range inv.Destination.Metadata.Value {
		env[fmt.Sprintf("TF_VAR_%s", k)] = fmt.Sprintf("%v", v)
	}

	work, err := d.tempdirs.Acquire()
	if err != nil {
		return releaseerr.Wrap(releaseerr.CodeInternal, "acquiring terraform working directory", err)
	}
	defer work.Close()

	files, err := d.getFiles(ctx, inv.ArtifactID, inv.Environment)
	if err != nil {
		return err
	}
	if err := materialize(work.Path(), files); err != nil {
		return releaseerr.Wrap(releaseerr.CodeDriverFailure, "materializing staged files", err)
	}

	root, err := locateRoot(filepath.Join(work.Path(), inv.Environment), inv.Destination.Name, d.driverType)
	if err != nil {
		return err
	}

	if _, err := d.breaker.Execute(func() (any, error) {
		return nil, d.invoke(ctx, root, env, inv.Log, verb)
	}); err != nil {
		return releaseerr.Wrap(releaseerr.CodeDriverFailure, fmt.Sprintf("terraform %s", strings.Join(verb, " ")), err)
	}

	return nil
}

// materialize writes each staged file into root, creating parent
// directories. File.Path already carries the environment/destination
// prefix the staging registry attached; we want the tree relative to root,
// so we keep that prefix intact.
func materialize(root string, files []staging.ReleaseFile) error {
	for _, f := range files {
		path := filepath.Join(root, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(path, f.Content, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", f.Path, err)
		}
	}
	return nil
}

// locateRoot matches an immediate subdirectory of envDir against name
// (regex first, falling back to exact equality), then descends into
// <entry>/<org>/<name>@<version>/.
func locateRoot(envDir, name string, t driver.Type) (string, error) {
	entries, err := os.ReadDir(envDir)
	if err != nil {
		return "", releaseerr.Wrap(releaseerr.CodeDriverFailure, fmt.Sprintf("reading environment directory %s", envDir), err)
	}

	var matched string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if re, compileErr := regexp.Compile(e.Name()); compileErr == nil && re.MatchString(name) {
			matched = e.Name()
			break
		}
		if e.Name() == name {
			matched = e.Name()
			break
		}
	}
	if matched == "" {
		return "", releaseerr.New(releaseerr.CodeDriverFailure, fmt.Sprintf("no destination-matching entry for %q under %s", name, envDir))
	}

	root := filepath.Join(envDir, matched, t.Organisation, fmt.Sprintf("%s@%s", t.Name, t.Version))
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", releaseerr.New(releaseerr.CodeDriverFailure, fmt.Sprintf("terraform root %s does not exist", root))
	}
	return root, nil
}

func (d *Driver) invoke(ctx context.Context, dir string, env map[string]string, log *releaselog.Pipeline, verb []string) error {
	// Retry init once on any failure before giving up; plan/apply are not
	// retried.
	if err := d.runOnce(ctx, dir, env, log, []string{"init"}); err != nil {
		if err2 := d.runOnce(ctx, dir, env, log, []string{"init"}); err2 != nil {
			return err2
		}
	}
	return d.runOnce(ctx, dir, env, log, verb)
}

func (d *Driver) runOnce(ctx context.Context, dir string, env map[string]string, log *releaselog.Pipeline, args []string) error {
	cmd := exec.CommandContext(ctx, d.executable, args...)
	cmd.Dir = dir
	cmd.Stdin = nil

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attaching stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("attaching stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting terraform %s: %w", strings.Join(args, " "), err)
	}

	done := make(chan struct{}, 2)
	go streamLines(stdout, releaselog.ChannelStdout, log, done)
	go streamLines(stderr, releaselog.ChannelStderr, log, done)
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("terraform %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func streamLines(r io.Reader, channel releaselog.Channel, log *releaselog.Pipeline, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Emit(channel, scanner.Text())
	}
	done <- struct{}{}
}
