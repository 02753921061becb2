package fixes

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	missingExportPatterns = []*regexp.Regexp{
		// Browser ESM: module first, name second.
		regexp.MustCompile(`requested module '([^']+)' does not provide an export named '(\w+)'`),
		// Bundlers: name first, module second.
		regexp.MustCompile(`export '(\w+)' (?:\(imported as '\w+'\) )?was not found in '([^']+)'`),
		regexp.MustCompile(`"(\w+)" is not exported by "([^"]+)"`),
	}
	defaultExportPattern = regexp.MustCompile(`(?m)^export\s+default\s+(?:async\s+)?(?:function\*?\s+|class\s+)?(\w+)`)
	anyDefaultPattern    = regexp.MustCompile(`(?m)^export\s+default\b|export\s*\{[^}]*\bas\s+default\b`)
	namedExportPattern   = regexp.MustCompile(`(?m)^export\s+(?:async\s+)?(?:function\*?|class|const|let|var)\s+(\w+)`)
)

// resolveExtensions are tried, in order, for extensionless specifiers.
var resolveExtensions = []string{".js", ".jsx", ".ts", ".tsx"}

// ExportAlias adds a missing named or default export to a module by
// aliasing a binding it already has.
type ExportAlias struct{}

func (ExportAlias) Name() string { return "export-alias" }

func (ExportAlias) Apply(ctx context.Context, t Target, errText string) (Outcome, error) {
	module, name, ok := parseMissingExport(errText)
	if !ok {
		return Outcome{}, nil
	}

	files, err := t.Files(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing files: %w", err)
	}
	p := resolveModule(module, files)
	if p == "" {
		return Outcome{}, nil
	}

	content, err := readOptional(ctx, t, p)
	if err != nil || content == nil {
		return Outcome{}, err
	}
	stmt := exportStatement(string(content), name, path.Base(p))
	if stmt == "" {
		return Outcome{}, nil
	}

	updated := strings.TrimRight(string(content), "\n") + "\n\n" + stmt + "\n"
	if err := t.Write(ctx, p, []byte(updated)); err != nil {
		return Outcome{}, fmt.Errorf("writing %s: %w", p, err)
	}
	return Outcome{
		Applied:     true,
		Files:       []string{p},
		Description: fmt.Sprintf("added %q to %s", stmt, p),
	}, nil
}

func parseMissingExport(errText string) (module, name string, ok bool) {
	if m := missingExportPatterns[0].FindStringSubmatch(errText); m != nil {
		return m[1], m[2], true
	}
	for _, re := range missingExportPatterns[1:] {
		if m := re.FindStringSubmatch(errText); m != nil {
			return m[2], m[1], true
		}
	}
	return "", "", false
}

// resolveModule maps an import specifier to a completed project file.
// Exact paths win, then extensions, then index files, then a unique file
// whose path ends with the specifier.
func resolveModule(spec string, files []string) string {
	spec = strings.SplitN(spec, "?", 2)[0]
	spec = strings.TrimPrefix(spec, "/")
	for strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
		spec = spec[strings.IndexByte(spec, '/')+1:]
	}
	if spec == "" {
		return ""
	}

	candidates := []string{spec}
	if path.Ext(spec) == "" {
		for _, ext := range resolveExtensions {
			candidates = append(candidates, spec+ext)
		}
		for _, ext := range resolveExtensions {
			candidates = append(candidates, spec+"/index"+ext)
		}
	}
	for _, c := range candidates {
		if contains(files, c) {
			return c
		}
	}

	var match string
	for _, c := range candidates {
		for _, f := range files {
			if strings.HasSuffix(f, "/"+c) {
				if match != "" && match != f {
					return ""
				}
				match = f
			}
		}
	}
	return match
}

// exportStatement returns the statement exporting name from src, or ""
// when there is nothing to alias or name is already exported.
func exportStatement(src, name, base string) string {
	if name == "default" {
		if anyDefaultPattern.MatchString(src) {
			return ""
		}
		local := pickNamedExport(src, strings.TrimSuffix(base, path.Ext(base)))
		if local == "" {
			return ""
		}
		return fmt.Sprintf("export default %s;", local)
	}

	if exportsName(src, name) {
		return ""
	}
	if m := defaultExportPattern.FindStringSubmatch(src); m != nil && m[1] != "function" && m[1] != "class" {
		if m[1] == name {
			return fmt.Sprintf("export { %s };", name)
		}
		return fmt.Sprintf("export { %s as %s };", m[1], name)
	}
	if regexp.MustCompile(`(?m)^(?:async\s+)?(?:function\*?|class|const|let|var)\s+` + name + `\b`).MatchString(src) {
		return fmt.Sprintf("export { %s };", name)
	}
	return ""
}

func exportsName(src, name string) bool {
	for _, m := range namedExportPattern.FindAllStringSubmatch(src, -1) {
		if m[1] == name {
			return true
		}
	}
	return regexp.MustCompile(`export\s*\{[^}]*\b` + name + `\b[^}]*\}`).MatchString(src)
}

// pickNamedExport prefers the named export matching the file's base name.
func pickNamedExport(src, base string) string {
	var first string
	for _, m := range namedExportPattern.FindAllStringSubmatch(src, -1) {
		if strings.EqualFold(m[1], base) {
			return m[1]
		}
		if first == "" {
			first = m[1]
		}
	}
	return first
}
