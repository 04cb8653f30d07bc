package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"packline/pkg/bus"
)

type recordingEmitter struct {
	events []bus.StageEvent
}

func (r *recordingEmitter) EmitStage(_ context.Context, _ string, evt bus.StageEvent) error {
	r.events = append(r.events, evt)
	return nil
}

func stageNames(events []bus.StageEvent) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Stage+":"+e.Status)
	}
	return names
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	var order []string
	stage := func(name string) Stage {
		return Stage{Name: name, Run: func(context.Context) (string, error) {
			order = append(order, name)
			return "ok", nil
		}}
	}

	emitter := &recordingEmitter{}
	p, err := NewPipeline("run-1", []Stage{stage("resolve"), stage("render"), stage("build")}, emitter, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := strings.Join(order, ","); got != "resolve,render,build" {
		t.Errorf("stage order = %s", got)
	}
	want := []string{
		"resolve:running", "resolve:succeeded",
		"render:running", "render:succeeded",
		"build:running", "build:succeeded",
	}
	if got := stageNames(emitter.events); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", got, want)
	}
	for _, evt := range emitter.events {
		if evt.RunID != "run-1" {
			t.Errorf("event run_id = %q", evt.RunID)
		}
	}
}

func TestPipelineStopsAtFirstFailure(t *testing.T) {
	var ran []string
	ok := func(name string) Stage {
		return Stage{Name: name, Run: func(context.Context) (string, error) {
			ran = append(ran, name)
			return "", nil
		}}
	}
	boom := Stage{Name: "build", Run: func(context.Context) (string, error) {
		ran = append(ran, "build")
		return "", errors.New("rpmbuild exited 1")
	}}

	emitter := &recordingEmitter{}
	p, err := NewPipeline("", []Stage{ok("resolve"), boom, ok("publish")}, emitter, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	err = p.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded, want failure")
	}
	if !strings.Contains(err.Error(), "stage build") {
		t.Errorf("err = %v, want failing stage named", err)
	}

	if got := strings.Join(ran, ","); got != "resolve,build" {
		t.Errorf("ran = %s, publish must not start after a failure", got)
	}
	last := emitter.events[len(emitter.events)-1]
	if last.Stage != "build" || last.Status != "failed" {
		t.Errorf("last event = %s:%s, want build:failed", last.Stage, last.Status)
	}
}

func TestPipelineRejectsAnonymousStages(t *testing.T) {
	_, err := NewPipeline("", []Stage{{Name: "", Run: func(context.Context) (string, error) { return "", nil }}}, nil, zerolog.Nop())
	if err == nil {
		t.Fatal("NewPipeline accepted a nameless stage")
	}
}

func TestExecutorStageOrder(t *testing.T) {
	e, err := NewExecutor(Config{}, "run-1", execRunnerStub{}, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	var names []string
	for _, s := range e.Stages() {
		names = append(names, s.Name)
	}
	want := "resolve,render-spec,build-source,build-binaries,relay-store,publish,relay-fetch,smoke-test"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("stages = %s, want %s", got, want)
	}
}

type execRunnerStub struct{}

func (execRunnerStub) Run(context.Context, string, ...string) ([]byte, error) { return nil, nil }

const testConfigYAML = `
repo: oq-engine
branch: engine-3.19
version_file: openquake/baselib/__init__.py
lts_file: README.md
package_number: 2
spec_template: rpm/python3-oq-engine.spec.tpl
spec_out: build/python3-oq-engine.spec
source_package: build/SRPMS/python3-oq-engine.src.rpm
result_dir: build/RPMS
fail_fast: true
matrix:
  - os: rocky-9
    arch: x86_64
  - os: fedora-40
    arch: x86_64
relay:
  registry_url: http://relayd:8080
publish:
  enabled: true
smoke:
  enabled: true
  install_cmd: dnf
  install_args: ["install", "-y", "python3-oq-engine"]
  base_url: http://127.0.0.1:8800
  username: admin
  password: admin
  access_log: /var/log/oq/webui-access.log
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Repo != "oq-engine" || cfg.Branch != "engine-3.19" {
		t.Errorf("repo/branch = %s/%s", cfg.Repo, cfg.Branch)
	}
	if len(cfg.Matrix) != 2 || cfg.Matrix[0].Root() != "rocky-9-x86_64" {
		t.Errorf("matrix = %v", cfg.Matrix)
	}
	if !cfg.FailFast || !cfg.Publish.Enabled || !cfg.Smoke.Enabled {
		t.Error("flags not decoded")
	}
	if cfg.Smoke.InstallCmd != "dnf" || cfg.Smoke.AccessLogPath != "/var/log/oq/webui-access.log" {
		t.Errorf("smoke config = %+v", cfg.Smoke)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML+"\nbogus: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted an unknown key")
	}
}

func TestLoadConfigRequiresCoreFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte("repo: oq-engine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("LoadConfig accepted an incomplete config")
	}
	if !strings.Contains(err.Error(), "branch") {
		t.Errorf("err = %v, want missing fields named", err)
	}
}
