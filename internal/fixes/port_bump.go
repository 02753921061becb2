package fixes

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

var (
	portInUsePatterns = []*regexp.Regexp{
		regexp.MustCompile(`EADDRINUSE[^\n]*?:(\d{2,5})\b`),
		regexp.MustCompile(`(?i)address already in use[^\n]*?:(\d{2,5})\b`),
		regexp.MustCompile(`(?i)port (\d{2,5}) is (?:already )?in use`),
	}
	portInUseAny        = regexp.MustCompile(`\bEADDRINUSE\b|(?i)address already in use|port (?:\d+ )?(?:is )?(?:already )?in use`)
	configPortPattern   = regexp.MustCompile(`(\bport\s*:\s*)(\d+)`)
	serverBlockPattern  = regexp.MustCompile(`\bserver\s*:\s*\{`)
	defineConfigPattern = regexp.MustCompile(`defineConfig\(\s*\{`)
)

// devServerConfigs are checked in order for the dev-server port.
var devServerConfigs = []string{"vite.config.js", "vite.config.ts", "vite.config.mjs"}

// PortBump moves the dev server to the next port when its port is taken.
type PortBump struct {
	min, max int
	scaffold *Scaffold
}

// NewPortBump creates a fix that keeps ports within [min, max]. scaffold
// supplies the config template when no config exists.
func NewPortBump(min, max int, scaffold *Scaffold) *PortBump {
	if min <= 0 || max < min {
		min, max = 5173, 5199
	}
	return &PortBump{min: min, max: max, scaffold: scaffold}
}

func (*PortBump) Name() string { return "port-bump" }

// next returns the port after p, wrapping out-of-range values to min.
func (b *PortBump) next(p int) int {
	n := p + 1
	if n < b.min || n > b.max {
		return b.min
	}
	return n
}

func (b *PortBump) Apply(ctx context.Context, t Target, errText string) (Outcome, error) {
	if !portInUseAny.MatchString(errText) {
		return Outcome{}, nil
	}
	taken := 0
	for _, re := range portInUsePatterns {
		if m := re.FindStringSubmatch(errText); m != nil {
			taken, _ = strconv.Atoi(m[1])
			break
		}
	}

	files, err := t.Files(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing files: %w", err)
	}
	cfgPath := ""
	for _, p := range devServerConfigs {
		if contains(files, p) {
			cfgPath = p
			break
		}
	}

	var content []byte
	if cfgPath != "" {
		if content, err = readOptional(ctx, t, cfgPath); err != nil {
			return Outcome{}, err
		}
	}
	if content == nil {
		cfgPath = devServerConfigs[0]
		tmpl, ok := b.scaffold.Template(cfgPath)
		if !ok {
			return Outcome{}, nil
		}
		content = []byte(tmpl)
	}

	updated, port, ok := b.rewrite(string(content), taken)
	if !ok {
		return Outcome{}, nil
	}
	if err := t.Write(ctx, cfgPath, []byte(updated)); err != nil {
		return Outcome{}, fmt.Errorf("writing %s: %w", cfgPath, err)
	}
	return Outcome{
		Applied:     true,
		Files:       []string{cfgPath},
		Description: fmt.Sprintf("moved dev server to port %d in %s", port, cfgPath),
	}, nil
}

// rewrite sets the configured port to the one after the taken port, or
// after the configured port when the taken one is unknown.
func (b *PortBump) rewrite(src string, taken int) (string, int, bool) {
	if loc := configPortPattern.FindStringSubmatchIndex(src); loc != nil {
		current, _ := strconv.Atoi(src[loc[4]:loc[5]])
		base := current
		if taken > 0 {
			base = taken
		}
		port := b.next(base)
		return src[:loc[4]] + strconv.Itoa(port) + src[loc[5]:], port, true
	}

	base := taken
	if base == 0 {
		base = b.min
	}
	port := b.next(base)
	if loc := serverBlockPattern.FindStringIndex(src); loc != nil {
		return src[:loc[1]] + fmt.Sprintf("\n    port: %d,", port) + src[loc[1]:], port, true
	}
	if loc := defineConfigPattern.FindStringIndex(src); loc != nil {
		return src[:loc[1]] + fmt.Sprintf("\n  server: { host: true, port: %d },", port) + src[loc[1]:], port, true
	}
	return src, 0, false
}

var _ Fix = (*PortBump)(nil)
