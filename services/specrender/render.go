// Package specrender turns a packaging-spec template into a concrete spec
// for one release descriptor. Rendering is pure textual substitution and
// fails closed: a template referencing a placeholder outside the published
// field set aborts instead of emitting literal template markers into
// package metadata.
package specrender

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"text/template"

	"packline/services/release"
)

// Fields is the complete placeholder set available to spec templates. All
// values derive from the release descriptor, so rendering the same template
// with the same descriptor is byte-identical.
func Fields(d release.Descriptor) map[string]string {
	return map[string]string{
		"Repo":       d.RepoName,
		"Version":    d.Version.String(),
		"Release":    d.ReleaseTag(),
		"Timestamp":  strconv.FormatInt(d.Timestamp, 10),
		"Stable":     strconv.FormatBool(d.Stable),
		"Channel":    d.Channel.String(),
		"CommitHash": d.CommitHash,
	}
}

// Render substitutes the descriptor's fields into the template at
// templatePath and returns the rendered spec.
func Render(templatePath string, d release.Descriptor) ([]byte, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("read spec template: %w", err)
	}

	tmpl, err := template.New("spec").Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse spec template %s: %w", templatePath, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, Fields(d)); err != nil {
		return nil, fmt.Errorf("render spec template %s: %w", templatePath, err)
	}

	return buf.Bytes(), nil
}

// RenderFile renders the template and writes the result to outPath.
func RenderFile(templatePath, outPath string, d release.Descriptor) error {
	rendered, err := Render(templatePath, d)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, rendered, 0o644); err != nil {
		return fmt.Errorf("write rendered spec: %w", err)
	}
	return nil
}
