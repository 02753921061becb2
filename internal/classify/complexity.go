package classify

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Complexity selects the AI model tier and budget for a repair.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

var (
	singleCausePattern = regexp.MustCompile(`SyntaxError|ReferenceError|TypeError|NameError|IndentationError|is not defined|Unexpected token|error TS\d+`)
	configFilePattern  = regexp.MustCompile(`package\.json|tsconfig(?:\.\w+)?\.json|(?:vite|webpack|tailwind|postcss)\.config\.[cm]?[jt]s|requirements\.txt|pyproject\.toml|\.babelrc`)
)

// ClassifyComplexity picks a tier for a set of error texts. files lists
// paths implicated beyond those the texts mention.
func ClassifyComplexity(errs []string, files []string) Complexity {
	seen := make(map[string]bool)
	for _, f := range files {
		seen[f] = true
	}
	for _, e := range errs {
		for _, f := range ReferencedFiles(e) {
			seen[f] = true
		}
	}

	if len(errs) > 3 || len(seen) > 2 {
		return ComplexityComplex
	}
	for _, e := range errs {
		if configFilePattern.MatchString(e) {
			return ComplexityModerate
		}
	}
	for f := range seen {
		if configFilePattern.MatchString(path.Base(f)) {
			return ComplexityModerate
		}
	}
	for _, e := range errs {
		if singleCausePattern.MatchString(e) {
			return ComplexitySimple
		}
	}
	return ComplexityModerate
}

// FileRef is a project file mentioned in error text.
type FileRef struct {
	Path string
	Line int // 0 when unknown
}

var fileRefPattern = regexp.MustCompile(
	`(?:^|[\s'"(\[])((?:\.{0,2}/)?(?:[\w.@-]+/)*[\w.@-]+\.(?:json|jsx?|tsx?|mjs|cjs|scss|css|html|py|vue|svelte|toml|txt))` +
		`(?::(\d+)|"?,? line (\d+))?`)

// SandboxRoots are absolute prefixes under which sandboxes are mounted.
var SandboxRoots = []string{"/workspace/", "/app/", "/code/", "/project/", "/home/user/app/"}

var projectDirs = []string{"src", "public", "app", "pages", "components", "lib", "tests", "styles"}

// RelativePath maps a path from error output to a project-relative path.
// Returns "" for dependency or system paths.
func RelativePath(p string) string {
	p = strings.SplitN(p, "?", 2)[0]
	if strings.Contains(p, "node_modules/") || strings.Contains(p, "site-packages/") || strings.HasPrefix(p, "/usr/") {
		return ""
	}
	if strings.HasPrefix(p, "/") {
		for _, root := range SandboxRoots {
			if strings.HasPrefix(p, root) {
				return path.Clean(strings.TrimPrefix(p, root))
			}
		}
		for _, dir := range projectDirs {
			if i := strings.Index(p, "/"+dir+"/"); i >= 0 {
				return path.Clean(p[i+1:])
			}
		}
		return path.Base(p)
	}
	p = path.Clean(p)
	if strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}

// FileRefs extracts distinct project files from text, in order of first
// mention, keeping the first line number seen for each.
func FileRefs(text string) []FileRef {
	var refs []FileRef
	index := make(map[string]int)
	for _, loc := range fileRefPattern.FindAllStringSubmatchIndex(text, -1) {
		// A word character right after the extension means a longer name.
		if end := loc[3]; end < len(text) && isWordByte(text[end]) {
			continue
		}
		rel := RelativePath(text[loc[2]:loc[3]])
		if rel == "" || rel == "." {
			continue
		}
		line := 0
		for g := 2; g <= 3; g++ {
			if loc[2*g] < 0 {
				continue
			}
			if n, err := strconv.Atoi(text[loc[2*g]:loc[2*g+1]]); err == nil {
				line = n
				break
			}
		}
		if i, ok := index[rel]; ok {
			if refs[i].Line == 0 {
				refs[i].Line = line
			}
			continue
		}
		index[rel] = len(refs)
		refs = append(refs, FileRef{Path: rel, Line: line})
	}
	return refs
}

// ReferencedFiles returns the distinct project files mentioned in text.
func ReferencedFiles(text string) []string {
	refs := FileRefs(text)
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Path
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
