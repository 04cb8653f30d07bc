// Package builder produces source and binary packages from a rendered
// packaging spec. Every step is a hard gate: a failing step aborts the
// builder invocation with an error naming the step, so spec-resolution,
// source-build and binary-build failures stay distinguishable.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"packline/services/release"
)

// ArtifactKind discriminates the two package artifact types.
type ArtifactKind string

const (
	KindSource ArtifactKind = "source"
	KindBinary ArtifactKind = "binary"
)

// Artifact is one build output. It is owned by the builder invocation that
// produced it until handed to the relay.
type Artifact struct {
	Kind       ArtifactKind
	Path       string
	Entry      *MatrixEntry
	Descriptor release.Descriptor
}

// Step identifies which builder gate failed.
type Step string

const (
	StepFetchSources Step = "fetch-sources"
	StepSourceBuild  Step = "source-build"
	StepBinaryBuild  Step = "binary-build"
)

// StepError reports a failed builder step with enough context to localize
// it: the step kind, the matrix entry (for binary builds) and the toolchain
// output.
type StepError struct {
	Step   Step
	Entry  *MatrixEntry
	Output string
	Err    error
}

func (e *StepError) Error() string {
	if e.Entry != nil {
		return fmt.Sprintf("builder: %s failed for %s: %v", e.Step, e.Entry, e.Err)
	}
	return fmt.Sprintf("builder: %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Toolchain names the packaging-toolchain commands invoked for each step.
// Args are the fixed leading arguments; the builder appends the spec path,
// source package and isolation root as each step requires.
type Toolchain struct {
	FetchCmd  string   `yaml:"fetchCmd"`
	FetchArgs []string `yaml:"fetchArgs"`

	SourceCmd  string   `yaml:"sourceCmd"`
	SourceArgs []string `yaml:"sourceArgs"`

	BinaryCmd  string   `yaml:"binaryCmd"`
	BinaryArgs []string `yaml:"binaryArgs"`
}

// Config locates the rendered spec and the build workspace.
type Config struct {
	// SpecPath is the rendered packaging spec.
	SpecPath string
	// SourcePackage is where the source-build step is expected to leave the
	// source package.
	SourcePackage string
	// ResultDir receives per-entry binary build results, one subdirectory
	// per isolation root.
	ResultDir string
	Toolchain Toolchain
}

// Builder drives the packaging toolchain for one release descriptor.
type Builder struct {
	runner     Runner
	cfg        Config
	descriptor release.Descriptor
	logger     zerolog.Logger
}

// New validates the configuration and returns a Builder.
func New(runner Runner, cfg Config, d release.Descriptor, logger zerolog.Logger) (*Builder, error) {
	if runner == nil {
		return nil, errors.New("builder: runner is required")
	}
	if cfg.SpecPath == "" {
		return nil, errors.New("builder: spec path is required")
	}
	if cfg.SourcePackage == "" {
		return nil, errors.New("builder: source package path is required")
	}
	if cfg.ResultDir == "" {
		return nil, errors.New("builder: result dir is required")
	}
	if cfg.Toolchain.FetchCmd == "" || cfg.Toolchain.SourceCmd == "" || cfg.Toolchain.BinaryCmd == "" {
		return nil, errors.New("builder: toolchain commands are required")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	return &Builder{
		runner:     runner,
		cfg:        cfg,
		descriptor: d,
		logger:     logger,
	}, nil
}

// FetchSources resolves and fetches the remote sources declared in the spec.
func (b *Builder) FetchSources(ctx context.Context) error {
	args := append(append([]string{}, b.cfg.Toolchain.FetchArgs...), b.cfg.SpecPath)
	out, err := b.runner.Run(ctx, b.cfg.Toolchain.FetchCmd, args...)
	if err != nil {
		return &StepError{Step: StepFetchSources, Output: string(out), Err: err}
	}
	b.logger.Info().Str("spec", b.cfg.SpecPath).Msg("fetched declared sources")
	return nil
}

// BuildSource builds the source package from the rendered spec and returns
// its artifact. The step fails if the toolchain exits nonzero or the
// expected package file is missing afterwards.
func (b *Builder) BuildSource(ctx context.Context) (Artifact, error) {
	args := append(append([]string{}, b.cfg.Toolchain.SourceArgs...), b.cfg.SpecPath)
	out, err := b.runner.Run(ctx, b.cfg.Toolchain.SourceCmd, args...)
	if err != nil {
		return Artifact{}, &StepError{Step: StepSourceBuild, Output: string(out), Err: err}
	}

	if _, err := os.Stat(b.cfg.SourcePackage); err != nil {
		return Artifact{}, &StepError{
			Step: StepSourceBuild,
			Err:  fmt.Errorf("source package missing after build: %w", err),
		}
	}

	b.logger.Info().Str("package", b.cfg.SourcePackage).Msg("built source package")
	return Artifact{
		Kind:       KindSource,
		Path:       b.cfg.SourcePackage,
		Descriptor: b.descriptor,
	}, nil
}

// BuildBinary builds the binary package from the source package inside the
// isolated root matching entry. Build state stays under the entry's result
// directory; nothing leaks onto the host outside it.
func (b *Builder) BuildBinary(ctx context.Context, entry MatrixEntry) (Artifact, error) {
	resultDir := filepath.Join(b.cfg.ResultDir, entry.Root())
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return Artifact{}, &StepError{Step: StepBinaryBuild, Entry: &entry, Err: err}
	}

	args := append(append([]string{}, b.cfg.Toolchain.BinaryArgs...),
		"--root", entry.Root(),
		"--resultdir", resultDir,
		b.cfg.SourcePackage,
	)
	out, err := b.runner.Run(ctx, b.cfg.Toolchain.BinaryCmd, args...)
	if err != nil {
		return Artifact{}, &StepError{Step: StepBinaryBuild, Entry: &entry, Output: string(out), Err: err}
	}

	empty, err := dirIsEmpty(resultDir)
	if err != nil {
		return Artifact{}, &StepError{Step: StepBinaryBuild, Entry: &entry, Err: err}
	}
	if empty {
		return Artifact{}, &StepError{
			Step:  StepBinaryBuild,
			Entry: &entry,
			Err:   errors.New("isolated-root build produced no packages"),
		}
	}

	b.logger.Info().Stringer("entry", entry).Str("resultdir", resultDir).Msg("built binary package")
	return Artifact{
		Kind:       KindBinary,
		Path:       resultDir,
		Entry:      &entry,
		Descriptor: b.descriptor,
	}, nil
}

func dirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			return false, nil
		}
	}
	return true, nil
}
