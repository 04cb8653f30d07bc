package release

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Descriptor identifies one release of a repository. It is created once per
// pipeline run by Resolve and is immutable thereafter; every downstream
// stage consumes it read-only.
type Descriptor struct {
	RepoName      string
	Version       Version
	Channel       Channel
	Stable        bool
	PackageNumber int
	CommitHash    string
	Timestamp     int64
}

// ReleaseTag derives the release/package tag embedded in the rendered
// packaging spec. Stable releases use their assigned package number;
// unstable builds fall back to a timestamped git scheme so successive dev
// packages sort correctly.
func (d Descriptor) ReleaseTag() string {
	if d.Stable {
		return strconv.Itoa(d.PackageNumber)
	}
	return fmt.Sprintf("0.%d.git%s", d.Timestamp, d.CommitHash)
}

// Validate enforces the descriptor invariants.
func (d Descriptor) Validate() error {
	if d.RepoName == "" {
		return errors.New("release: repo name is required")
	}
	if d.Version.String() == "" {
		return errors.New("release: version is required")
	}
	if d.Stable && d.PackageNumber < 1 {
		return errors.New("release: stable releases require a package number")
	}
	if !d.Stable && d.CommitHash == "" {
		return errors.New("release: unstable releases require a commit hash")
	}
	return nil
}

// Source names the repository metadata consulted by Resolve.
type Source struct {
	// VersionFile contains the quoted __version__ assignment.
	VersionFile string
	// LTSFile is the README-style document carrying the LTS marker line.
	LTSFile string
}

// Request carries the per-run release parameters.
type Request struct {
	RepoName string
	// Branch is the branch being released; the channel is inferred from it
	// unless Channel is set.
	Branch string
	// Channel, when non-nil, overrides channel inference.
	Channel *Channel
	// PackageNumber is required for stable (release-branch) builds.
	PackageNumber int
	CommitHash    string
	// Now is the clock used for the build timestamp; defaults to time.Now.
	Now func() time.Time
}

// Resolve reads the version and LTS metadata and derives the release
// descriptor for this pipeline run. A missing or unparsable version string
// is fatal: the pipeline cannot proceed without it.
func Resolve(src Source, req Request) (Descriptor, error) {
	version, err := ParseVersionFile(src.VersionFile)
	if err != nil {
		return Descriptor{}, err
	}

	// Without an LTS marker every release branch lands on latest.
	var lts string
	if src.LTSFile != "" {
		lts, err = ParseLTSFile(src.LTSFile)
		if err != nil {
			return Descriptor{}, err
		}
	}

	channel := InferChannel(req.Branch, lts)
	if req.Channel != nil {
		channel = *req.Channel
	}

	now := req.Now
	if now == nil {
		now = time.Now
	}

	d := Descriptor{
		RepoName:      req.RepoName,
		Version:       version,
		Channel:       channel,
		Stable:        IsReleaseBranch(req.Branch),
		PackageNumber: req.PackageNumber,
		CommitHash:    shortHash(req.CommitHash),
		Timestamp:     now().UTC().Unix(),
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
