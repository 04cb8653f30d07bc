package release

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	versionLineRe = regexp.MustCompile(`__version__\s*=\s*['"]([^'"]+)['"]`)
	versionCoreRe = regexp.MustCompile(`^\d+(?:\.\d+){0,2}`)
)

// ltsPrefix is the fixed phrase that introduces the LTS designation in the
// repository README.
const ltsPrefix = "Current Long Term Support"

// Version is the source-of-truth version string extracted from repository
// metadata, e.g. "3.19.0-git" or "3.20.0.dev1".
type Version struct {
	raw string
}

// String returns the version exactly as written in the metadata file.
func (v Version) String() string { return v.raw }

// Distributable returns the numeric core of the version with any dev or git
// suffix stripped, e.g. "3.19.0.dev1" -> "3.19.0".
func (v Version) Distributable() string {
	if core := versionCoreRe.FindString(v.raw); core != "" {
		return core
	}
	return v.raw
}

// Series returns the MAJOR.MINOR prefix of the version, the form used to
// name release branches and the LTS designation.
func (v Version) Series() string {
	parts := strings.SplitN(v.Distributable(), ".", 3)
	if len(parts) < 2 {
		return v.Distributable()
	}
	return parts[0] + "." + parts[1]
}

// ParseVersionFile extracts the version from a metadata file containing a
// quoted `__version__` assignment. A missing or unparsable version is fatal
// for the pipeline, so the error carries the file path.
func ParseVersionFile(path string) (Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Version{}, fmt.Errorf("read version metadata: %w", err)
	}
	v, err := ParseVersion(string(data))
	if err != nil {
		return Version{}, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// ParseVersion extracts the version from metadata file contents.
func ParseVersion(contents string) (Version, error) {
	m := versionLineRe.FindStringSubmatch(contents)
	if m == nil {
		return Version{}, fmt.Errorf("no __version__ assignment found")
	}
	raw := strings.TrimSpace(m[1])
	if !versionCoreRe.MatchString(raw) {
		return Version{}, fmt.Errorf("version %q does not start with a numeric core", raw)
	}
	return Version{raw: raw}, nil
}

// ParseLTSFile extracts the current long-term-support series from a
// README-style document containing a line that begins with the fixed LTS
// phrase followed by the designated version.
func ParseLTSFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read LTS marker: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if lts, ok := parseLTSLine(scanner.Text()); ok {
			return lts, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read LTS marker: %w", err)
	}
	return "", fmt.Errorf("%s: no %q line found", path, ltsPrefix)
}

// ParseLTS extracts the LTS series from document contents.
func ParseLTS(contents string) (string, error) {
	for _, line := range strings.Split(contents, "\n") {
		if lts, ok := parseLTSLine(line); ok {
			return lts, nil
		}
	}
	return "", fmt.Errorf("no %q line found", ltsPrefix)
}

var ltsSeriesRe = regexp.MustCompile(`(\d+\.\d+)`)

func parseLTSLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimLeft(trimmed, "*# ")
	if !strings.HasPrefix(trimmed, ltsPrefix) {
		return "", false
	}
	m := ltsSeriesRe.FindString(trimmed[len(ltsPrefix):])
	if m == "" {
		return "", false
	}
	return m, true
}
