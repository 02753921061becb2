package fixes

import (
	"context"
	_ "embed"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"keel-go/internal/classify"
)

//go:embed templates/scaffold.yaml
var scaffoldYAML []byte

type scaffoldFile struct {
	Templates map[string]string `yaml:"templates"`
}

var (
	enoentPattern      = regexp.MustCompile(`ENOENT: no such file or directory, (?:open|stat|lstat|scandir) '([^']+)'`)
	entryModulePattern = regexp.MustCompile(`Could not resolve entry module \(?["']?([^"'\s)]+)`)
	failedURLPattern   = regexp.MustCompile(`Failed to load url (\S+)`)
	cantResolvePattern = regexp.MustCompile(`Can't resolve '(\.{1,2}/[^']+)'(?: in '([^']+)')?`)
)

// Scaffold restores missing conventional project files from templates.
type Scaffold struct {
	templates map[string]string
}

// NewScaffold loads the embedded template set.
func NewScaffold() (*Scaffold, error) {
	var f scaffoldFile
	if err := yaml.Unmarshal(scaffoldYAML, &f); err != nil {
		return nil, fmt.Errorf("parsing scaffold templates: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("scaffold templates are empty")
	}
	return &Scaffold{templates: f.Templates}, nil
}

func (*Scaffold) Name() string { return "scaffold" }

// Template returns the template for a project-relative path.
func (s *Scaffold) Template(p string) (string, bool) {
	t, ok := s.templates[p]
	return t, ok
}

// Paths lists every path a template exists for.
func (s *Scaffold) Paths() []string {
	out := make([]string, 0, len(s.templates))
	for p := range s.templates {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Scaffold) Apply(ctx context.Context, t Target, errText string) (Outcome, error) {
	wanted := s.missingPaths(errText)
	if len(wanted) == 0 {
		return Outcome{}, nil
	}

	files, err := t.Files(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing files: %w", err)
	}

	var written []string
	for _, p := range wanted {
		if contains(files, p) {
			continue
		}
		if err := t.Write(ctx, p, []byte(s.templates[p])); err != nil {
			return Outcome{}, fmt.Errorf("writing %s: %w", p, err)
		}
		written = append(written, p)
	}
	if len(written) == 0 {
		return Outcome{}, nil
	}
	return Outcome{
		Applied:     true,
		Files:       written,
		Description: fmt.Sprintf("restored %s from templates", strings.Join(written, ", ")),
	}, nil
}

// missingPaths returns the templated paths errText reports as missing, in
// order of mention.
func (s *Scaffold) missingPaths(errText string) []string {
	var raw []string
	for _, m := range enoentPattern.FindAllStringSubmatch(errText, -1) {
		raw = append(raw, m[1])
	}
	for _, m := range entryModulePattern.FindAllStringSubmatch(errText, -1) {
		raw = append(raw, m[1])
	}
	for _, m := range failedURLPattern.FindAllStringSubmatch(errText, -1) {
		raw = append(raw, m[1])
	}
	for _, m := range cantResolvePattern.FindAllStringSubmatch(errText, -1) {
		dir := "src"
		if m[2] != "" {
			dir = classify.RelativePath(m[2] + "/")
		}
		raw = append(raw, path.Join(dir, m[1]))
	}

	var out []string
	for _, r := range raw {
		p := classify.RelativePath(strings.TrimRight(r, ".,;:"))
		if _, ok := s.templates[p]; !ok {
			continue
		}
		if !contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

var _ Fix = (*Scaffold)(nil)
