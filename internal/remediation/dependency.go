package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"keel-go/internal/fixes"
	"keel-go/internal/keel"
)

// Ecosystem is a package manager family.
type Ecosystem string

const (
	EcosystemNPM    Ecosystem = "npm"
	EcosystemPython Ecosystem = "pip"
)

var (
	jsMissingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Cannot find module '([^']+)'`),
		regexp.MustCompile(`Can't resolve '([^']+)'`),
		regexp.MustCompile(`Failed to resolve import "([^"]+)"`),
		regexp.MustCompile(`Cannot find package '([^']+)'`),
	}
	pyMissingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
		regexp.MustCompile(`ImportError: No module named '?([\w.]+)'?`),
	}
	depsObjectPattern = regexp.MustCompile(`"dependencies"\s*:\s*\{`)
	validPackage      = regexp.MustCompile(`^(?:@[a-z0-9][\w.-]*/)?[A-Za-z0-9][\w.-]*$`)
)

// pythonPackages maps import names to distribution names where they differ.
var pythonPackages = map[string]string{
	"cv2":     "opencv-python",
	"PIL":     "pillow",
	"yaml":    "pyyaml",
	"sklearn": "scikit-learn",
	"bs4":     "beautifulsoup4",
	"dotenv":  "python-dotenv",
}

var nodeBuiltins = map[string]bool{
	"fs": true, "path": true, "os": true, "http": true, "https": true, "url": true,
	"crypto": true, "stream": true, "util": true, "events": true, "child_process": true,
	"buffer": true, "net": true, "zlib": true, "assert": true,
}

// MissingPackage is a dependency named by an error.
type MissingPackage struct {
	Name      string
	Ecosystem Ecosystem
}

// ParseMissingPackage extracts the first installable package an error
// names. Relative specifiers and runtime builtins are ignored.
func ParseMissingPackage(errText string) (MissingPackage, bool) {
	for _, re := range pyMissingPatterns {
		if m := re.FindStringSubmatch(errText); m != nil {
			mod := strings.SplitN(m[1], ".", 2)[0]
			if name, ok := pythonPackages[mod]; ok {
				mod = name
			}
			if validPackage.MatchString(mod) {
				return MissingPackage{Name: mod, Ecosystem: EcosystemPython}, true
			}
		}
	}
	for _, re := range jsMissingPatterns {
		for _, m := range re.FindAllStringSubmatch(errText, -1) {
			if name, ok := npmPackageName(m[1]); ok {
				return MissingPackage{Name: name, Ecosystem: EcosystemNPM}, true
			}
		}
	}
	return MissingPackage{}, false
}

// npmPackageName reduces an import specifier to its package name:
// "@scope/pkg/sub" becomes "@scope/pkg" and "pkg/sub" becomes "pkg".
func npmPackageName(spec string) (string, bool) {
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		return "", false
	}
	if strings.HasPrefix(spec, "node:") {
		return "", false
	}
	parts := strings.Split(spec, "/")
	name := parts[0]
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return "", false
		}
		name = parts[0] + "/" + parts[1]
	}
	if nodeBuiltins[name] || !validPackage.MatchString(name) {
		return "", false
	}
	return name, true
}

// DependencyOutcome reports a dependency pass.
type DependencyOutcome struct {
	Package   MissingPackage
	Manifest  string
	Added     bool // manifest changed
	Installed bool // install command exited 0
	Resolved  bool
	Output    string
}

// DependencyPass records missing packages in the project manifest and
// optionally installs them in the workspace.
type DependencyPass struct {
	exec    keel.BatchExecutor
	dir     string
	install bool
	logger  keel.Logger
}

// NewDependencyPass creates a pass. exec may be nil, which disables
// installs. dir is the project directory on the execution host; empty
// runs in the executor's working directory.
func NewDependencyPass(exec keel.BatchExecutor, dir string, install bool, logger keel.Logger) *DependencyPass {
	return &DependencyPass{exec: exec, dir: dir, install: install && exec != nil, logger: logger}
}

// Run applies the pass. Without installs, a newly added manifest entry
// counts as resolved since the next build installs it. With installs,
// resolution requires a clean install.
func (d *DependencyPass) Run(ctx context.Context, t fixes.Target, errText string) (DependencyOutcome, error) {
	pkg, ok := ParseMissingPackage(errText)
	if !ok {
		return DependencyOutcome{}, nil
	}
	out := DependencyOutcome{Package: pkg}

	var err error
	switch pkg.Ecosystem {
	case EcosystemNPM:
		out.Manifest = "package.json"
		out.Added, err = addNPMDependency(ctx, t, pkg.Name)
	case EcosystemPython:
		out.Manifest = "requirements.txt"
		out.Added, err = addRequirement(ctx, t, pkg.Name)
	}
	if err != nil {
		return out, err
	}

	if !d.install {
		out.Resolved = out.Added
		return out, nil
	}

	res, err := d.exec.Execute(ctx, t.Owner(), d.installScript(pkg))
	if err != nil {
		d.logger.Warn("dependency install failed", "package", pkg.Name, "error", err)
		return out, nil
	}
	out.Output = res.Output
	out.Installed = res.ExitCode == 0
	out.Resolved = out.Installed
	if !out.Installed {
		d.logger.Warn("dependency install exited non-zero", "package", pkg.Name, "exit_code", res.ExitCode)
	}
	return out, nil
}

func (d *DependencyPass) installScript(pkg MissingPackage) string {
	var b strings.Builder
	if d.dir != "" {
		fmt.Fprintf(&b, "cd '%s' || exit 1\n", strings.ReplaceAll(d.dir, "'", `'\''`))
	}
	switch pkg.Ecosystem {
	case EcosystemPython:
		fmt.Fprintf(&b, "pip install '%s' 2>&1\n", pkg.Name)
	default:
		fmt.Fprintf(&b, "npm install --no-audit --no-fund '%s' 2>&1\n", pkg.Name)
	}
	return b.String()
}

func readManifest(ctx context.Context, t fixes.Target, p string) ([]byte, error) {
	data, err := t.Read(ctx, p)
	if errors.Is(err, keel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func addNPMDependency(ctx context.Context, t fixes.Target, name string) (bool, error) {
	data, err := readManifest(ctx, t, "package.json")
	if err != nil {
		return false, err
	}

	var manifest map[string]any
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &manifest); err != nil {
			return false, fmt.Errorf("parsing package.json: %w", err)
		}
	}
	for _, key := range []string{"dependencies", "devDependencies", "peerDependencies"} {
		if deps, ok := manifest[key].(map[string]any); ok {
			if _, ok := deps[name]; ok {
				return false, nil
			}
		}
	}

	next, ok := insertDependency(data, name)
	if !ok {
		if manifest == nil {
			manifest = map[string]any{"name": "app", "private": true}
		}
		deps, _ := manifest["dependencies"].(map[string]any)
		if deps == nil {
			deps = make(map[string]any)
		}
		deps[name] = "latest"
		manifest["dependencies"] = deps
		if next, err = json.MarshalIndent(manifest, "", "  "); err != nil {
			return false, fmt.Errorf("encoding package.json: %w", err)
		}
		next = append(next, '\n')
	}

	if err := t.Write(ctx, "package.json", next); err != nil {
		return false, fmt.Errorf("writing package.json: %w", err)
	}
	return true, nil
}

// insertDependency adds name to the dependencies object in place so the
// rest of the file keeps its formatting.
func insertDependency(data []byte, name string) ([]byte, bool) {
	loc := depsObjectPattern.FindIndex(data)
	if loc == nil {
		return nil, false
	}
	rest := bytes.TrimLeft(data[loc[1]:], " \t\r\n")
	entry := fmt.Sprintf("\n    %q: \"latest\"", name)
	if len(rest) == 0 || rest[0] != '}' {
		entry += ","
	}

	out := make([]byte, 0, len(data)+len(entry))
	out = append(out, data[:loc[1]]...)
	out = append(out, entry...)
	out = append(out, data[loc[1]:]...)
	if !json.Valid(out) {
		return nil, false
	}
	return out, true
}

func addRequirement(ctx context.Context, t fixes.Target, name string) (bool, error) {
	data, err := readManifest(ctx, t, "requirements.txt")
	if err != nil {
		return false, err
	}
	want := strings.ReplaceAll(name, "_", "-")
	for _, line := range strings.Split(string(data), "\n") {
		if strings.EqualFold(requirementName(line), want) {
			return false, nil
		}
	}

	next := string(data)
	if next != "" && !strings.HasSuffix(next, "\n") {
		next += "\n"
	}
	next += name + "\n"
	if err := t.Write(ctx, "requirements.txt", []byte(next)); err != nil {
		return false, fmt.Errorf("writing requirements.txt: %w", err)
	}
	return true, nil
}

// requirementName returns the distribution name of a requirements line.
func requirementName(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.Index(line, "#"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if i := strings.IndexAny(line, "=<>~![; "); i >= 0 {
		line = line[:i]
	}
	return strings.ReplaceAll(line, "_", "-")
}
