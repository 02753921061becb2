package fixes

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"keel-go/internal/classify"
)

// reactIdentifiers are names that resolve through the 'react' package.
var reactIdentifiers = map[string]bool{
	"React":            true,
	"useState":         true,
	"useEffect":        true,
	"useContext":       true,
	"useReducer":       true,
	"useCallback":      true,
	"useMemo":          true,
	"useRef":           true,
	"useLayoutEffect":  true,
	"useId":            true,
	"useTransition":    true,
	"useDeferredValue": true,
	"Fragment":         true,
	"createContext":    true,
	"forwardRef":       true,
	"memo":             true,
	"lazy":             true,
	"Suspense":         true,
}

var (
	undefinedNamePattern   = regexp.MustCompile(`'?\b(\w+)'? is not defined|Cannot find name '(\w+)'|Can't find variable: (\w+)`)
	reactImportPattern     = regexp.MustCompile(`(?m)^import\s+(?:(\w+)\s*,?\s*)?(?:\{([^}]*)\})?\s*from\s+['"]react['"];?[ \t]*$`)
	importLinePattern      = regexp.MustCompile(`(?m)^import\s.*$`)
	namespaceImportPattern = regexp.MustCompile(`import\s+\*\s+as\s+React\s+from\s+['"]react['"]`)
	importEndPattern       = regexp.MustCompile(`from\s+['"][^'"]+['"]|^import\s+['"]`)
)

// MissingImport adds framework identifiers that are used without being
// imported.
type MissingImport struct{}

func (MissingImport) Name() string { return "missing-import" }

func (MissingImport) Apply(ctx context.Context, t Target, errText string) (Outcome, error) {
	named := false
	for _, m := range undefinedNamePattern.FindAllStringSubmatch(errText, -1) {
		for _, g := range m[1:] {
			if reactIdentifiers[g] {
				named = true
			}
		}
	}
	if !named {
		return Outcome{}, nil
	}

	candidates, err := scriptCandidates(ctx, t, errText)
	if err != nil {
		return Outcome{}, err
	}

	var changed []string
	for _, p := range candidates {
		content, err := readOptional(ctx, t, p)
		if err != nil {
			return Outcome{}, err
		}
		if content == nil {
			continue
		}
		updated, ok := addReactImports(string(content))
		if !ok {
			continue
		}
		if err := t.Write(ctx, p, []byte(updated)); err != nil {
			return Outcome{}, fmt.Errorf("writing %s: %w", p, err)
		}
		changed = append(changed, p)
	}
	if len(changed) == 0 {
		return Outcome{}, nil
	}
	return Outcome{
		Applied:     true,
		Files:       changed,
		Description: fmt.Sprintf("added missing react imports to %s", strings.Join(changed, ", ")),
	}, nil
}

// scriptCandidates returns the script files errText references, or every
// completed JSX/TSX file when it references none.
func scriptCandidates(ctx context.Context, t Target, errText string) ([]string, error) {
	var out []string
	for _, p := range classify.ReferencedFiles(errText) {
		if hasExt(p, ".js", ".jsx", ".ts", ".tsx") {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	files, err := t.Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	for _, p := range files {
		if hasExt(p, ".jsx", ".tsx") {
			out = append(out, p)
		}
	}
	return out, nil
}

// addReactImports returns src with imports for every used but unimported
// react identifier. ok is false when nothing is missing.
func addReactImports(src string) (string, bool) {
	body := importLinePattern.ReplaceAllString(src, "")

	imported := make(map[string]bool)
	var defaultName string
	var existingNamed []string
	loc := reactImportPattern.FindStringSubmatchIndex(src)
	if loc != nil {
		if loc[2] >= 0 {
			defaultName = src[loc[2]:loc[3]]
			imported[defaultName] = true
		}
		if loc[4] >= 0 {
			for _, spec := range strings.Split(src[loc[4]:loc[5]], ",") {
				spec = strings.TrimSpace(spec)
				if spec == "" {
					continue
				}
				existingNamed = append(existingNamed, spec)
				fields := strings.Fields(spec)
				imported[fields[len(fields)-1]] = true
				imported[fields[0]] = true
			}
		}
	}

	if namespaceImportPattern.MatchString(src) {
		imported["React"] = true
	}

	var missing []string
	needDefault := false
	for name := range reactIdentifiers {
		if imported[name] || !uses(body, name) {
			continue
		}
		if name == "React" {
			needDefault = true
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) == 0 && !needDefault {
		return src, false
	}
	sort.Strings(missing)

	if needDefault {
		defaultName = "React"
	}
	line := buildReactImport(defaultName, append(existingNamed, missing...))

	if loc != nil {
		return src[:loc[0]] + line + src[loc[1]:], true
	}
	return insertImport(src, line), true
}

// uses reports whether body references name: React as a namespace,
// components as JSX tags, everything else as a call.
func uses(body, name string) bool {
	var pattern string
	switch {
	case name == "React":
		pattern = `\bReact\.`
	case name[0] >= 'A' && name[0] <= 'Z':
		pattern = `<` + name + `\b`
	default:
		pattern = `(?:^|[^\w.])` + name + `\s*\(`
	}
	return regexp.MustCompile(pattern).MatchString(body)
}

func buildReactImport(defaultName string, named []string) string {
	var b strings.Builder
	b.WriteString("import ")
	if defaultName != "" {
		b.WriteString(defaultName)
		if len(named) > 0 {
			b.WriteString(", ")
		}
	}
	if len(named) > 0 {
		b.WriteString("{ " + strings.Join(named, ", ") + " }")
	}
	b.WriteString(" from 'react'")
	return b.String()
}

// insertImport places line after the last leading import, or at the top.
func insertImport(src, line string) string {
	locs := importLinePattern.FindAllStringIndex(src, -1)
	if len(locs) == 0 {
		return line + "\n" + src
	}
	end := locs[len(locs)-1][1]
	last := src[locs[len(locs)-1][0]:end]
	if !importEndPattern.MatchString(last) {
		// Multi-line import: continue to the line holding its source.
		if m := importEndPattern.FindStringIndex(src[end:]); m != nil {
			end += m[1]
			if nl := strings.IndexByte(src[end:], '\n'); nl >= 0 {
				end += nl
			} else {
				end = len(src)
			}
		}
	}
	return src[:end] + "\n" + line + src[end:]
}
