package release

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInferChannel(t *testing.T) {
	tests := []struct {
		name   string
		branch string
		lts    string
		want   Channel
	}{
		{"master branch", "master", "3.16", ChannelMaster},
		{"lts release branch", "engine-3.16", "3.16", ChannelLTS},
		{"newer release branch", "engine-3.19", "3.16", ChannelLatest},
		{"older release branch", "engine-3.11", "3.16", ChannelLatest},
		{"feature branch", "fix/hazard-curves", "3.16", ChannelDev},
		{"empty branch", "", "3.16", ChannelDev},
		{"bare prefix", "engine-", "3.16", ChannelDev},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferChannel(tt.branch, tt.lts); got != tt.want {
				t.Fatalf("InferChannel(%q, %q) = %v, want %v", tt.branch, tt.lts, got, tt.want)
			}
		})
	}
}

func TestChannelString(t *testing.T) {
	tests := []struct {
		channel Channel
		want    string
	}{
		{ChannelMaster, "master"},
		{ChannelLTS, "lts"},
		{ChannelLatest, "latest"},
		{ChannelDev, "dev"},
	}
	for _, tt := range tests {
		if got := tt.channel.String(); got != tt.want {
			t.Fatalf("Channel.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDescriptorReleaseTag(t *testing.T) {
	stable := Descriptor{Stable: true, PackageNumber: 2, Timestamp: 1724630400, CommitHash: "abc1234"}
	if got := stable.ReleaseTag(); got != "2" {
		t.Fatalf("stable ReleaseTag() = %q, want %q", got, "2")
	}

	dev := Descriptor{Stable: false, Timestamp: 1724630400, CommitHash: "abc1234"}
	if got := dev.ReleaseTag(); got != "0.1724630400.gitabc1234" {
		t.Fatalf("dev ReleaseTag() = %q, want %q", got, "0.1724630400.gitabc1234")
	}
}

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{RepoName: "oq-engine", Version: Version{raw: "3.19.0"}, Stable: true, PackageNumber: 1}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	missing := Descriptor{RepoName: "oq-engine", Version: Version{raw: "3.19.0"}, Stable: true}
	if err := missing.Validate(); err == nil {
		t.Fatal("Validate() expected error for stable descriptor without package number")
	}
}

func TestResolveMasterBranch(t *testing.T) {
	dir := t.TempDir()
	versionFile := filepath.Join(dir, "version.py")
	ltsFile := filepath.Join(dir, "README.md")

	if err := os.WriteFile(versionFile, []byte(`__version__ = "3.19.0-git"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ltsFile, []byte("**Current Long Term Support - OpenQuake Engine 3.16**\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Resolve(Source{VersionFile: versionFile, LTSFile: ltsFile}, Request{
		RepoName:   "oq-engine",
		Branch:     "master",
		CommitHash: "deadbeefcafe",
		Now:        func() time.Time { return time.Unix(1724630400, 0) },
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if d.Channel != ChannelMaster {
		t.Fatalf("Channel = %v, want %v", d.Channel, ChannelMaster)
	}
	if d.Version.String() != "3.19.0-git" {
		t.Fatalf("Version = %q, want %q", d.Version.String(), "3.19.0-git")
	}
	if d.Stable {
		t.Fatal("master build must not be marked stable")
	}
	if d.CommitHash != "deadbeef" {
		t.Fatalf("CommitHash = %q, want truncated %q", d.CommitHash, "deadbeef")
	}
}

func TestResolveMissingVersionIsFatal(t *testing.T) {
	dir := t.TempDir()
	versionFile := filepath.Join(dir, "version.py")
	ltsFile := filepath.Join(dir, "README.md")

	if err := os.WriteFile(versionFile, []byte("nothing here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ltsFile, []byte("Current Long Term Support - OpenQuake Engine 3.16\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(Source{VersionFile: versionFile, LTSFile: ltsFile}, Request{
		RepoName:   "oq-engine",
		Branch:     "master",
		CommitHash: "deadbeef",
	})
	if err == nil {
		t.Fatal("Resolve() expected error for unparsable version")
	}
}
