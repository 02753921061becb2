package workspace

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"keel-go/internal/keel"
)

// Output markers written by batch programs.
const (
	markerOK      = "KEEL_OK"
	markerMissing = "KEEL_MISSING"
	markerFail    = "KEEL_FAIL"
)

// restoreParallelism caps concurrent downloads in a RestoreBatch program.
const restoreParallelism = 8

// RemoteWorkspace drives a sandbox living off-process, for example in a
// container, through shell programs sent to a keel.BatchExecutor. Every
// operation is a single round trip.
type RemoteWorkspace struct {
	exec   keel.BatchExecutor
	dir    string
	ignore *IgnoreMatcher
}

// NewRemoteWorkspace creates a workspace whose project files live under dir
// on the execution host.
func NewRemoteWorkspace(exec keel.BatchExecutor, dir string, ignore []string) *RemoteWorkspace {
	return &RemoteWorkspace{
		exec:   exec,
		dir:    strings.TrimSuffix(dir, "/"),
		ignore: NewIgnoreMatcher(DefaultIgnorePatterns).With(ignore),
	}
}

// shellQuote wraps s in single quotes for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (w *RemoteWorkspace) abs(clean string) string {
	return w.dir + "/" + clean
}

// run executes script and fails unless it exited 0.
func (w *RemoteWorkspace) run(ctx context.Context, owner keel.Owner, script string) (string, error) {
	res, err := w.exec.Execute(ctx, owner, script)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("batch program exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	return res.Output, nil
}

func (w *RemoteWorkspace) WriteFile(ctx context.Context, owner keel.Owner, p string, content []byte) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	clean, err := keel.ValidatePath(p)
	if err != nil {
		return err
	}

	dest := w.abs(clean)
	tmp := dest + ".keeltmp"
	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(path.Dir(dest)))
	fmt.Fprintf(&b, "base64 -d > %s <<'KEEL_EOF'\n", shellQuote(tmp))
	b.WriteString(wrap(base64.StdEncoding.EncodeToString(content), 76))
	b.WriteString("KEEL_EOF\n")
	fmt.Fprintf(&b, "mv -f %s %s\n", shellQuote(tmp), shellQuote(dest))
	fmt.Fprintf(&b, "echo %s\n", markerOK)

	out, err := w.run(ctx, owner, b.String())
	if err != nil {
		return fmt.Errorf("writing %s: %w", clean, err)
	}
	if !strings.Contains(out, markerOK) {
		return fmt.Errorf("writing %s: no confirmation from sandbox", clean)
	}
	return nil
}

func wrap(s string, width int) string {
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}
	b.WriteString(s)
	b.WriteByte('\n')
	return b.String()
}

func (w *RemoteWorkspace) ReadFile(ctx context.Context, owner keel.Owner, p string) ([]byte, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	clean, err := keel.ValidatePath(p)
	if err != nil {
		return nil, err
	}

	src := shellQuote(w.abs(clean))
	script := fmt.Sprintf("if [ -f %s ] && [ ! -L %s ]; then echo %s; base64 < %s; else echo %s; fi\n",
		src, src, markerOK, src, markerMissing)

	out, err := w.run(ctx, owner, script)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", clean, err)
	}

	header, body, _ := strings.Cut(out, "\n")
	switch strings.TrimSpace(header) {
	case markerMissing:
		return nil, fmt.Errorf("%w: %s in workspace %s", keel.ErrNotFound, clean, owner.String())
	case markerOK:
	default:
		return nil, fmt.Errorf("reading %s: unexpected output %q", clean, header)
	}

	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(body), ""))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", clean, err)
	}
	return data, nil
}

func (w *RemoteWorkspace) ListFiles(ctx context.Context, owner keel.Owner) ([]string, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	script := fmt.Sprintf("cd %s 2>/dev/null || { echo %s; exit 0; }\necho %s\nfind . -type f\n",
		shellQuote(w.dir), markerOK, markerOK)
	out, err := w.run(ctx, owner, script)
	if err != nil {
		return nil, fmt.Errorf("listing workspace: %w", err)
	}

	var files []string
	sc := bufio.NewScanner(strings.NewReader(out))
	seenMarker := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !seenMarker {
			seenMarker = line == markerOK
			continue
		}
		rel := strings.TrimPrefix(line, "./")
		if rel == "" || strings.HasSuffix(rel, ".keeltmp") || w.ignore.Match(rel) {
			continue
		}
		files = append(files, rel)
	}
	if !seenMarker {
		return nil, fmt.Errorf("listing workspace: unexpected output %q", out)
	}
	sort.Strings(files)
	return files, nil
}

func (w *RemoteWorkspace) FileCount(ctx context.Context, owner keel.Owner) (int, error) {
	files, err := w.ListFiles(ctx, owner)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

func (w *RemoteWorkspace) DeleteFile(ctx context.Context, owner keel.Owner, p string) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	clean, err := keel.ValidatePath(p)
	if err != nil {
		return err
	}
	if _, err := w.run(ctx, owner, fmt.Sprintf("rm -rf %s\n", shellQuote(w.abs(clean)))); err != nil {
		return fmt.Errorf("deleting %s: %w", clean, err)
	}
	return nil
}

// Remove empties the project directory. The directory itself stays, since
// the container may hold it open as its working directory.
func (w *RemoteWorkspace) Remove(ctx context.Context, owner keel.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	dir := shellQuote(w.dir)
	script := fmt.Sprintf("[ -d %s ] && find %s -mindepth 1 -maxdepth 1 -exec rm -rf {} + ; exit 0\n", dir, dir)
	if _, err := w.run(ctx, owner, script); err != nil {
		return fmt.Errorf("removing workspace %s: %w", owner.String(), err)
	}
	return nil
}

// RestoreBatch downloads every item in one program. Each file is fetched
// with curl, or wget when curl is absent, into a temp name and renamed into
// place. Downloads run in background jobs, restoreParallelism at a time.
// Returns how many files landed.
func (w *RemoteWorkspace) RestoreBatch(ctx context.Context, owner keel.Owner, items []keel.RestoreItem) (int, error) {
	if err := owner.Validate(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	var b strings.Builder
	b.WriteString(`fetch() {
  if command -v curl >/dev/null 2>&1; then curl -fsSL "$1" -o "$2"
  else wget -q -O "$2" "$1"; fi
}
`)
	for i, it := range items {
		clean, err := keel.ValidatePath(it.Path)
		if err != nil {
			return 0, err
		}
		dest := w.abs(clean)
		tmp := dest + ".keeltmp"
		fmt.Fprintf(&b, "( if mkdir -p %s && fetch %s %s && mv -f %s %s; then echo '%s %d'; else rm -f %s; echo '%s %d'; fi ) &\n",
			shellQuote(path.Dir(dest)), shellQuote(it.URL), shellQuote(tmp),
			shellQuote(tmp), shellQuote(dest), markerOK, i,
			shellQuote(tmp), markerFail, i)
		if (i+1)%restoreParallelism == 0 {
			b.WriteString("wait\n")
		}
	}
	b.WriteString("wait\nexit 0\n")

	out, err := w.run(ctx, owner, b.String())
	if err != nil {
		return 0, err
	}

	ok := make(map[int]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 || fields[0] != markerOK {
			continue
		}
		if i, err := strconv.Atoi(fields[1]); err == nil && i >= 0 && i < len(items) {
			ok[i] = true
		}
	}
	return len(ok), nil
}

var (
	_ keel.Workspace     = (*RemoteWorkspace)(nil)
	_ keel.BatchRestorer = (*RemoteWorkspace)(nil)
)
