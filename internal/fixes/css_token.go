package fixes

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"keel-go/internal/classify"
)

// designTokens maps design-system utilities that need theme configuration
// to stock Tailwind utilities.
var designTokens = map[string]string{
	"border-border":             "border-gray-200",
	"border-input":              "border-gray-300",
	"bg-background":             "bg-white",
	"text-foreground":           "text-gray-900",
	"bg-primary":                "bg-blue-600",
	"text-primary":              "text-blue-600",
	"text-primary-foreground":   "text-white",
	"bg-secondary":              "bg-gray-100",
	"text-secondary-foreground": "text-gray-900",
	"bg-muted":                  "bg-gray-100",
	"text-muted-foreground":     "text-gray-500",
	"bg-accent":                 "bg-gray-100",
	"text-accent-foreground":    "text-gray-900",
	"bg-card":                   "bg-white",
	"text-card-foreground":      "text-gray-900",
	"bg-popover":                "bg-white",
	"text-popover-foreground":   "text-gray-900",
	"bg-destructive":            "bg-red-600",
	"text-destructive":          "text-red-600",
	"ring-ring":                 "ring-blue-500",
	"ring-offset-background":    "ring-offset-white",
	"outline-ring":              "outline-blue-500",
}

var missingClassPattern = regexp.MustCompile("The `([^`]+)` class does not exist")

// CSSToken rewrites unresolved design-system utility classes.
type CSSToken struct{}

func (CSSToken) Name() string { return "css-token" }

func (CSSToken) Apply(ctx context.Context, t Target, errText string) (Outcome, error) {
	replace := make(map[string]string)
	for _, m := range missingClassPattern.FindAllStringSubmatch(errText, -1) {
		token := m[1]
		base, opacity, _ := strings.Cut(token, "/")
		if repl, ok := designTokens[base]; ok {
			replace[base] = repl
			if opacity != "" {
				replace[token] = repl + "/" + opacity
			}
		}
	}
	if len(replace) == 0 {
		return Outcome{}, nil
	}

	candidates, err := styleCandidates(ctx, t, errText)
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
		updated := replaceTokens(string(content), replace)
		if updated == string(content) {
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

	tokens := make([]string, 0, len(replace))
	for tok := range replace {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return Outcome{
		Applied:     true,
		Files:       changed,
		Description: fmt.Sprintf("replaced design tokens %s", strings.Join(tokens, ", ")),
	}, nil
}

// styleCandidates returns the files errText references, or every completed
// stylesheet when it references none.
func styleCandidates(ctx context.Context, t Target, errText string) ([]string, error) {
	if refs := classify.ReferencedFiles(errText); len(refs) > 0 {
		return refs, nil
	}
	files, err := t.Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	var out []string
	for _, p := range files {
		if hasExt(p, ".css", ".scss") {
			out = append(out, p)
		}
	}
	return out, nil
}

// replaceTokens swaps whole class names, keeping variant prefixes such as
// hover: and opacity suffixes such as /50.
func replaceTokens(src string, replace map[string]string) string {
	// Longest first so "ring-offset-background" is not eaten by a shorter key.
	keys := make([]string, 0, len(replace))
	for k := range replace {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, k := range keys {
		re := regexp.MustCompile("(^|[\\s\"'`:])" + regexp.QuoteMeta(k) + "([\\s\"'`;/]|$)")
		for {
			next := re.ReplaceAllString(src, "${1}"+replace[k]+"${2}")
			if next == src {
				break
			}
			src = next
		}
	}
	return src
}
