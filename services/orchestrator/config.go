package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"packline/services/builder"
	"packline/services/smoketest"
)

// RelayConfig locates the relay metadata service. Credentials for the object
// store and the signing key come from the environment, never from the file.
// FetchDir, when set, makes the pipeline restore the stored source artifact
// through the relay before smoke testing, exercising the same path a
// separate job would.
type RelayConfig struct {
	RegistryURL string `yaml:"registry_url"`
	FetchDir    string `yaml:"fetch_dir"`
}

// PublishConfig controls the publish stage. The queue URL and token come
// from the environment.
type PublishConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SmokeConfig controls the install-and-verify stage.
type SmokeConfig struct {
	Enabled          bool `yaml:"enabled"`
	smoketest.Config `yaml:",inline"`
}

// Config is the full pipeline description loaded from YAML.
type Config struct {
	Repo          string `yaml:"repo"`
	Branch        string `yaml:"branch"`
	VersionFile   string `yaml:"version_file"`
	LTSFile       string `yaml:"lts_file"`
	PackageNumber int    `yaml:"package_number"`
	CommitHash    string `yaml:"commit_hash"`
	Channel       string `yaml:"channel"`

	SpecTemplate  string `yaml:"spec_template"`
	SpecOut       string `yaml:"spec_out"`
	SourcePackage string `yaml:"source_package"`
	ResultDir     string `yaml:"result_dir"`

	Toolchain builder.Toolchain     `yaml:"toolchain"`
	Matrix    []builder.MatrixEntry `yaml:"matrix"`
	FailFast  bool                  `yaml:"fail_fast"`

	Relay   RelayConfig   `yaml:"relay"`
	Publish PublishConfig `yaml:"publish"`
	Smoke   SmokeConfig   `yaml:"smoke"`
}

// LoadConfig reads and validates a pipeline configuration file. The commit
// hash falls back to GIT_COMMIT when the file leaves it empty.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("orchestrator: read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("orchestrator: parse config: %w", err)
	}

	if cfg.CommitHash == "" {
		cfg.CommitHash = strings.TrimSpace(os.Getenv("GIT_COMMIT"))
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.Repo == "" {
		missing = append(missing, "repo")
	}
	if c.Branch == "" {
		missing = append(missing, "branch")
	}
	if c.VersionFile == "" {
		missing = append(missing, "version_file")
	}
	if c.SpecTemplate == "" {
		missing = append(missing, "spec_template")
	}
	if c.SpecOut == "" {
		missing = append(missing, "spec_out")
	}
	if c.SourcePackage == "" {
		missing = append(missing, "source_package")
	}
	if c.ResultDir == "" {
		missing = append(missing, "result_dir")
	}
	if len(missing) > 0 {
		return errors.New("orchestrator: config missing " + strings.Join(missing, ", "))
	}
	return nil
}
