package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"packline/services/builder"
	"packline/services/publisher"
	"packline/services/relay"
	"packline/services/release"
	"packline/services/smoketest"
	"packline/services/specrender"
)

// Executor binds the pipeline configuration to the concrete stage
// implementations. State produced by one stage (the descriptor, the built
// artifacts, relay labels) flows to later stages through its fields.
type Executor struct {
	cfg       Config
	runID     string
	runner    builder.Runner
	relay     *relay.Client
	publisher *publisher.Client
	logger    zerolog.Logger

	desc        release.Descriptor
	source      builder.Artifact
	binaries    []builder.Artifact
	sourceLabel string
}

// NewExecutor wires the stage implementations. The relay client and
// publisher may be nil when their stages are disabled in the config.
func NewExecutor(cfg Config, runID string, runner builder.Runner, relayClient *relay.Client, pub *publisher.Client, logger zerolog.Logger) (*Executor, error) {
	if runID == "" {
		return nil, errors.New("orchestrator: run ID is required")
	}
	if runner == nil {
		return nil, errors.New("orchestrator: command runner is required")
	}
	if cfg.Relay.RegistryURL != "" && relayClient == nil {
		return nil, errors.New("orchestrator: relay is configured but no relay client given")
	}
	if cfg.Publish.Enabled && pub == nil {
		return nil, errors.New("orchestrator: publish is enabled but no publisher given")
	}

	return &Executor{
		cfg:       cfg,
		runID:     runID,
		runner:    runner,
		relay:     relayClient,
		publisher: pub,
		logger:    logger,
	}, nil
}

// Stages returns the pipeline stages in execution order.
func (e *Executor) Stages() []Stage {
	return []Stage{
		{Name: "resolve", Run: e.resolve},
		{Name: "render-spec", Run: e.renderSpec},
		{Name: "build-source", Run: e.buildSource},
		{Name: "build-binaries", Run: e.buildBinaries},
		{Name: "relay-store", Run: e.relayStore},
		{Name: "publish", Run: e.publish},
		{Name: "relay-fetch", Run: e.relayFetch},
		{Name: "smoke-test", Run: e.smokeTest},
	}
}

func (e *Executor) resolve(context.Context) (string, error) {
	src := release.Source{
		VersionFile: e.cfg.VersionFile,
		LTSFile:     e.cfg.LTSFile,
	}
	req := release.Request{
		RepoName:      e.cfg.Repo,
		Branch:        e.cfg.Branch,
		PackageNumber: e.cfg.PackageNumber,
		CommitHash:    e.cfg.CommitHash,
	}

	if e.cfg.Channel != "" {
		ch, err := release.ParseChannel(e.cfg.Channel)
		if err != nil {
			return "", err
		}
		req.Channel = &ch
	}

	desc, err := release.Resolve(src, req)
	if err != nil {
		return "", err
	}
	e.desc = desc

	return fmt.Sprintf("version %s release %s channel %s", desc.Version, desc.ReleaseTag(), desc.Channel), nil
}

func (e *Executor) renderSpec(context.Context) (string, error) {
	if err := specrender.RenderFile(e.cfg.SpecTemplate, e.cfg.SpecOut, e.desc); err != nil {
		return "", err
	}
	return "rendered " + e.cfg.SpecOut, nil
}

func (e *Executor) buildSource(ctx context.Context) (string, error) {
	b, err := e.newBuilder()
	if err != nil {
		return "", err
	}
	if err := b.FetchSources(ctx); err != nil {
		return "", err
	}
	artifact, err := b.BuildSource(ctx)
	if err != nil {
		return "", err
	}
	e.source = artifact
	return "built " + artifact.Path, nil
}

func (e *Executor) buildBinaries(ctx context.Context) (string, error) {
	if len(e.cfg.Matrix) == 0 {
		return "no matrix entries configured, skipped", nil
	}

	b, err := e.newBuilder()
	if err != nil {
		return "", err
	}
	driver, err := builder.NewDriver(b, e.cfg.Matrix, e.cfg.FailFast, e.logger)
	if err != nil {
		return "", err
	}

	results, err := driver.Run(ctx)
	e.binaries = builder.Artifacts(results)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("built %d matrix entries", len(e.binaries)), nil
}

func (e *Executor) relayStore(ctx context.Context) (string, error) {
	if e.cfg.Relay.RegistryURL == "" {
		return "relay not configured, skipped", nil
	}

	label := e.runID + "-source"
	if _, err := e.relay.Store(ctx, label, e.source); err != nil {
		return "", err
	}
	e.sourceLabel = label

	stored := 1
	for _, artifact := range e.binaries {
		if artifact.Entry == nil {
			continue
		}
		label := fmt.Sprintf("%s-%s", e.runID, artifact.Entry.Root())
		if _, err := e.relay.Store(ctx, label, artifact); err != nil {
			return "", err
		}
		stored++
	}
	return fmt.Sprintf("stored %d artifacts", stored), nil
}

func (e *Executor) publish(ctx context.Context) (string, error) {
	if !e.cfg.Publish.Enabled {
		return "publish disabled, skipped", nil
	}

	res, err := e.publisher.Submit(ctx, e.desc.Channel, e.source.Path)
	if res.Channel == "" {
		res.Channel = e.desc.Channel.String()
	}
	if recErr := e.publisher.Record(ctx, e.cfg.Relay.RegistryURL, e.sourceLabel, res, err); recErr != nil {
		e.logger.Warn().Err(recErr).Msg("publish outcome not recorded")
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued build %s on %s", res.BuildID, res.Channel), nil
}

func (e *Executor) relayFetch(ctx context.Context) (string, error) {
	if e.cfg.Relay.RegistryURL == "" || e.cfg.Relay.FetchDir == "" {
		return "relay fetch not configured, skipped", nil
	}
	if e.sourceLabel == "" {
		return "", errors.New("no stored source artifact to fetch")
	}

	restored, err := e.relay.Fetch(ctx, e.sourceLabel, e.cfg.Relay.FetchDir)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("restored %s (%d files) into %s", restored.Label, len(restored.Files), restored.Dir), nil
}

func (e *Executor) smokeTest(ctx context.Context) (string, error) {
	if !e.cfg.Smoke.Enabled {
		return "smoke test disabled, skipped", nil
	}

	st, err := smoketest.New(e.runner, e.cfg.Smoke.Config, e.logger)
	if err != nil {
		return "", err
	}
	if err := st.Run(ctx); err != nil {
		return "", err
	}
	return "reached state " + st.State().String(), nil
}

func (e *Executor) newBuilder() (*builder.Builder, error) {
	return builder.New(e.runner, builder.Config{
		SpecPath:      e.cfg.SpecOut,
		SourcePackage: e.cfg.SourcePackage,
		ResultDir:     e.cfg.ResultDir,
		Toolchain:     e.cfg.Toolchain,
	}, e.desc, e.logger)
}
