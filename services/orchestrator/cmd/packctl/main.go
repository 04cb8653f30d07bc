package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"packline/pkg/bus"
	gos3 "packline/pkg/s3"
	"packline/services/builder"
	"packline/services/orchestrator"
	"packline/services/publisher"
	"packline/services/relay"
	"packline/services/release"
	"packline/services/smoketest"
	"packline/services/specrender"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "packctl",
		Short:         "Build-and-release pipeline for distribution packages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newRenderCommand())
	cmd.AddCommand(newBuildCommand())
	cmd.AddCommand(newRelayCommand())
	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newSmokeCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newWatchCommand())
	return cmd
}

type resolveFlags struct {
	repo          string
	branch        string
	versionFile   string
	ltsFile       string
	packageNumber int
	commit        string
	channel       string
}

func (f *resolveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.repo, "repo", "", "Repository name")
	cmd.Flags().StringVar(&f.branch, "branch", "", "Branch being released")
	cmd.Flags().StringVar(&f.versionFile, "version-file", "", "File containing the __version__ assignment")
	cmd.Flags().StringVar(&f.ltsFile, "lts-file", "", "Document carrying the LTS marker line")
	cmd.Flags().IntVar(&f.packageNumber, "package-number", 0, "Package number for stable releases")
	cmd.Flags().StringVar(&f.commit, "commit", "", "Commit hash being built (defaults to GIT_COMMIT)")
	cmd.Flags().StringVar(&f.channel, "channel", "", "Override the inferred channel (dev, master, lts, latest)")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("version-file")
}

func (f *resolveFlags) resolve() (release.Descriptor, error) {
	commit := f.commit
	if commit == "" {
		commit = os.Getenv("GIT_COMMIT")
	}

	req := release.Request{
		RepoName:      f.repo,
		Branch:        f.branch,
		PackageNumber: f.packageNumber,
		CommitHash:    commit,
	}
	if f.channel != "" {
		ch, err := release.ParseChannel(f.channel)
		if err != nil {
			return release.Descriptor{}, err
		}
		req.Channel = &ch
	}

	return release.Resolve(release.Source{VersionFile: f.versionFile, LTSFile: f.ltsFile}, req)
}

func newVersionCommand() *cobra.Command {
	var flags resolveFlags

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Resolve the release descriptor for a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.resolve()
			if err != nil {
				return err
			}
			fmt.Printf("version:  %s\n", d.Version)
			fmt.Printf("release:  %s\n", d.ReleaseTag())
			fmt.Printf("channel:  %s\n", d.Channel)
			fmt.Printf("stable:   %t\n", d.Stable)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newRenderCommand() *cobra.Command {
	var (
		flags    resolveFlags
		template string
		out      string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the packaging spec from its template",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.resolve()
			if err != nil {
				return err
			}
			if err := specrender.RenderFile(template, out, d); err != nil {
				return err
			}
			fmt.Printf("rendered %s\n", out)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&template, "template", "", "Spec template path")
	cmd.Flags().StringVar(&out, "out", "", "Rendered spec destination")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newBuildCommand() *cobra.Command {
	var (
		configPath string
		sourceOnly bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build source and binary packages per the pipeline config",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := orchestrator.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if sourceOnly {
				cfg.Matrix = nil
			}
			cfg.Relay.RegistryURL = ""
			cfg.Publish.Enabled = false
			cfg.Smoke.Enabled = false

			return runPipeline(cmdContext(cmd), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Pipeline configuration file")
	cmd.Flags().BoolVar(&sourceOnly, "source-only", false, "Stop after the source package")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Store and fetch artifacts across pipeline jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRelayStoreCommand())
	cmd.AddCommand(newRelayFetchCommand())
	return cmd
}

func newRelayStoreCommand() *cobra.Command {
	var (
		registryURL string
		label       string
		path        string
		kind        string
	)

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Bundle a file or directory and register it under a label",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRelayClient(registryURL)
			if err != nil {
				return err
			}

			artifact := builder.Artifact{Kind: builder.ArtifactKind(kind), Path: path}
			stored, err := client.Store(cmdContext(cmd), label, artifact)
			if err != nil {
				return err
			}
			fmt.Printf("stored %s\n", stored)
			return nil
		},
	}

	cmd.Flags().StringVar(&registryURL, "registry", "", "Relay service base URL")
	cmd.Flags().StringVar(&label, "label", "", "Label to store the artifact under")
	cmd.Flags().StringVar(&path, "path", "", "File or directory to store")
	cmd.Flags().StringVar(&kind, "kind", string(builder.KindSource), "Artifact kind (source or binary)")
	_ = cmd.MarkFlagRequired("registry")
	_ = cmd.MarkFlagRequired("label")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newRelayFetchCommand() *cobra.Command {
	var (
		registryURL string
		label       string
		dest        string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Restore a labelled artifact into a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRelayClient(registryURL)
			if err != nil {
				return err
			}

			restored, err := client.Fetch(cmdContext(cmd), label, dest)
			if err != nil {
				return err
			}
			fmt.Printf("restored %s (%s, %d files) into %s\n", restored.Label, restored.Kind, len(restored.Files), restored.Dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&registryURL, "registry", "", "Relay service base URL")
	cmd.Flags().StringVar(&label, "label", "", "Label to fetch")
	cmd.Flags().StringVar(&dest, "dest", ".", "Directory to restore into")
	_ = cmd.MarkFlagRequired("registry")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func newPublishCommand() *cobra.Command {
	var (
		channel string
		pkg     string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Submit a source package to the build queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := release.ParseChannel(channel)
			if err != nil {
				return err
			}

			client, err := publisher.NewClientFromEnv(newLogger())
			if err != nil {
				return err
			}

			res, err := client.Submit(cmdContext(cmd), ch, pkg)
			if err != nil {
				return err
			}
			fmt.Printf("queued build %s on %s\n", res.BuildID, res.Channel)
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Publish channel (dev, master, lts, latest)")
	cmd.Flags().StringVar(&pkg, "package", "", "Source package to submit")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

func newSmokeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Install the built package and verify the running system",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := orchestrator.LoadConfig(configPath)
			if err != nil {
				return err
			}

			st, err := smoketest.New(&builder.ExecRunner{}, cfg.Smoke.Config, logger)
			if err != nil {
				return err
			}
			return st.Run(cmdContext(cmd))
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Pipeline configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline described by a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := orchestrator.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runPipeline(cmdContext(cmd), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Pipeline configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow stage events for pipeline runs on the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := os.Getenv("NATS_URL")
			if url == "" {
				return fmt.Errorf("NATS_URL is required")
			}
			b, err := bus.Connect(url)
			if err != nil {
				return fmt.Errorf("connect bus: %w", err)
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			print := func(_ context.Context, evt bus.StageEvent) error {
				if runID != "" && evt.RunID != runID {
					return nil
				}
				fmt.Printf("%s  %-12s %-10s %s  %s\n", evt.At.Format("15:04:05"), evt.Stage, evt.Status, evt.RunID, evt.Detail)
				return nil
			}

			subs := map[string]string{
				bus.StageStartedSubject:  "packctl-watch-started",
				bus.StageFinishedSubject: "packctl-watch-finished",
			}
			for subj, durable := range subs {
				sub, err := b.SubscribeStages(ctx, subj, durable, print)
				if err != nil {
					return err
				}
				defer sub.Close()
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Only show events for this run")
	return cmd
}

func runPipeline(ctx context.Context, cfg orchestrator.Config, logger zerolog.Logger) error {
	var events *bus.Bus
	if url := os.Getenv("NATS_URL"); url != "" {
		b, err := bus.Connect(url)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer b.Close()
		events = b
	}

	var relayClient *relay.Client
	if cfg.Relay.RegistryURL != "" {
		var err error
		relayClient, err = newRelayClient(cfg.Relay.RegistryURL)
		if err != nil {
			return err
		}
	}

	var pub *publisher.Client
	if cfg.Publish.Enabled {
		var err error
		pub, err = publisher.NewClientFromEnv(logger)
		if err != nil {
			return err
		}
	}

	runID := uuid.NewString()
	executor, err := orchestrator.NewExecutor(cfg, runID, &builder.ExecRunner{}, relayClient, pub, logger)
	if err != nil {
		return err
	}

	pipeline, err := orchestrator.NewPipeline(runID, executor.Stages(), events, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("run_id", pipeline.RunID()).Str("repo", cfg.Repo).Str("branch", cfg.Branch).Msg("pipeline starting")
	return pipeline.Run(ctx)
}

func newRelayClient(registryURL string) (*relay.Client, error) {
	signer, err := relay.NewSignerFromEnv()
	if err != nil {
		return nil, err
	}
	s3Client, err := gos3.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}

	return &relay.Client{
		Objects:  s3Client,
		Registry: &relay.Registry{BaseURL: registryURL},
		Signer:   signer,
	}, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
