package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"keel-go/internal/keel"
)

func requireShell(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"sh", "base64", "find"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

// newShellRemote returns a RemoteWorkspace whose "remote" host is a local
// temp dir driven through ShellExecutor.
func newShellRemote(t *testing.T) (*RemoteWorkspace, string) {
	t.Helper()
	requireShell(t)
	dir := t.TempDir()
	sh := NewShellExecutor(func(keel.Owner) string { return dir })
	return NewRemoteWorkspace(sh, dir, nil), dir
}

func TestRemoteWorkspace_WriteRead(t *testing.T) {
	ctx := context.Background()
	ws, dir := newShellRemote(t)

	content := []byte(strings.Repeat("line with 'quotes' and $vars\n", 50))
	if err := ws.WriteFile(ctx, alice, "src/it's here.js", content); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "src", "it's here.js"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(onDisk) != string(content) {
		t.Error("content on disk differs from written content")
	}

	got, err := ws.ReadFile(ctx, alice, "src/it's here.js")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Error("ReadFile() content differs from written content")
	}
}

func TestRemoteWorkspace_EmptyAndBinary(t *testing.T) {
	ctx := context.Background()
	ws, _ := newShellRemote(t)

	tests := []struct {
		name    string
		content []byte
	}{
		{name: "empty", content: []byte{}},
		{name: "binary", content: []byte{0, 1, 2, 0xff, '\n', 0xfe}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteFile(ctx, alice, tt.name+".bin", tt.content); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			got, err := ws.ReadFile(ctx, alice, tt.name+".bin")
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if len(got) != len(tt.content) || string(got) != string(tt.content) {
				t.Errorf("ReadFile() = %v, want %v", got, tt.content)
			}
		})
	}
}

func TestRemoteWorkspace_ReadMissing(t *testing.T) {
	ws, _ := newShellRemote(t)
	if _, err := ws.ReadFile(context.Background(), alice, "nope.js"); !errors.Is(err, keel.ErrNotFound) {
		t.Errorf("ReadFile() error = %v, want ErrNotFound", err)
	}
}

func TestRemoteWorkspace_ListDeleteRemove(t *testing.T) {
	ctx := context.Background()
	ws, dir := newShellRemote(t)

	for _, f := range []string{"index.html", "src/main.js", "node_modules/x/index.js"} {
		if err := ws.WriteFile(ctx, alice, f, []byte("x")); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", f, err)
		}
	}

	got, err := ws.ListFiles(ctx, alice)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if want := []string{"index.html", "src/main.js"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles() = %v, want %v", got, want)
	}

	if err := ws.DeleteFile(ctx, alice, "index.html"); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if n, err := ws.FileCount(ctx, alice); err != nil || n != 1 {
		t.Errorf("FileCount() = %d, %v, want 1", n, err)
	}
	if err := ws.DeleteFile(ctx, alice, "src"); err != nil {
		t.Fatalf("DeleteFile(src) error = %v", err)
	}
	if n, err := ws.FileCount(ctx, alice); err != nil || n != 0 {
		t.Errorf("FileCount() after folder delete = %d, %v, want 0", n, err)
	}

	if err := ws.Remove(ctx, alice); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("project dir should survive Remove: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("project dir not emptied: %v", entries)
	}
}

func TestRemoteWorkspace_RejectsUnsafeInput(t *testing.T) {
	rec := &cannedExecutor{}
	ws := NewRemoteWorkspace(rec, "/workspace", nil)
	ctx := context.Background()

	if err := ws.WriteFile(ctx, alice, "../escape", []byte("x")); !errors.Is(err, keel.ErrInvalidPath) {
		t.Errorf("WriteFile() error = %v, want ErrInvalidPath", err)
	}
	if _, err := ws.ReadFile(ctx, keel.Owner{ProjectID: "p1"}, "a.js"); !errors.Is(err, keel.ErrInvalidOwner) {
		t.Errorf("ReadFile() error = %v, want ErrInvalidOwner", err)
	}
	if len(rec.scripts) != 0 {
		t.Errorf("rejected calls reached the executor: %d scripts", len(rec.scripts))
	}
}

// cannedExecutor records scripts and replays a fixed result.
type cannedExecutor struct {
	scripts []string
	result  keel.BatchResult
	err     error
}

func (c *cannedExecutor) Execute(ctx context.Context, owner keel.Owner, script string) (*keel.BatchResult, error) {
	c.scripts = append(c.scripts, script)
	if c.err != nil {
		return nil, c.err
	}
	res := c.result
	return &res, nil
}

func TestRemoteWorkspace_RestoreBatch(t *testing.T) {
	ctx := context.Background()
	items := []keel.RestoreItem{
		{Path: "a.js", URL: "https://store.example/a?sig=1"},
		{Path: "src/b.js", URL: "https://store.example/b?sig=2"},
		{Path: "src/c.js", URL: "https://store.example/c?sig=3"},
	}

	t.Run("counts distinct successes", func(t *testing.T) {
		rec := &cannedExecutor{result: keel.BatchResult{
			Output: "KEEL_OK 0\nKEEL_FAIL 1\nKEEL_OK 2\nKEEL_OK 2\nKEEL_OK 9\nnoise\n",
		}}
		ws := NewRemoteWorkspace(rec, "/workspace", nil)

		n, err := ws.RestoreBatch(ctx, alice, items)
		if err != nil {
			t.Fatalf("RestoreBatch() error = %v", err)
		}
		if n != 2 {
			t.Errorf("RestoreBatch() = %d, want 2", n)
		}
		if len(rec.scripts) != 1 {
			t.Fatalf("expected one round trip, got %d", len(rec.scripts))
		}
		script := rec.scripts[0]
		for _, want := range []string{"'https://store.example/b?sig=2'", "'/workspace/src/c.js'", "curl", "wget"} {
			if !strings.Contains(script, want) {
				t.Errorf("script missing %q", want)
			}
		}
	})

	t.Run("downloads run as bounded background jobs", func(t *testing.T) {
		many := make([]keel.RestoreItem, 2*restoreParallelism+3)
		for i := range many {
			many[i] = keel.RestoreItem{Path: fmt.Sprintf("f%d.js", i), URL: fmt.Sprintf("https://store.example/%d", i)}
		}
		rec := &cannedExecutor{}
		ws := NewRemoteWorkspace(rec, "/workspace", nil)
		if _, err := ws.RestoreBatch(ctx, alice, many); err != nil {
			t.Fatalf("RestoreBatch() error = %v", err)
		}
		script := rec.scripts[0]
		if n := strings.Count(script, ") &\n"); n != len(many) {
			t.Errorf("background jobs = %d, want %d", n, len(many))
		}
		if n := strings.Count(script, "\nwait\n"); n != 3 {
			t.Errorf("wait barriers = %d, want 3", n)
		}
		if !strings.HasSuffix(script, "wait\nexit 0\n") {
			t.Error("script exits before the last jobs finish")
		}
	})

	t.Run("empty batch skips executor", func(t *testing.T) {
		rec := &cannedExecutor{}
		ws := NewRemoteWorkspace(rec, "/workspace", nil)
		n, err := ws.RestoreBatch(ctx, alice, nil)
		if err != nil || n != 0 {
			t.Errorf("RestoreBatch(nil) = %d, %v, want 0, nil", n, err)
		}
		if len(rec.scripts) != 0 {
			t.Error("empty batch reached the executor")
		}
	})

	t.Run("executor failure", func(t *testing.T) {
		rec := &cannedExecutor{err: errors.New("container gone")}
		ws := NewRemoteWorkspace(rec, "/workspace", nil)
		if _, err := ws.RestoreBatch(ctx, alice, items); err == nil {
			t.Error("RestoreBatch() expected error")
		}
	})

	t.Run("invalid path aborts batch", func(t *testing.T) {
		rec := &cannedExecutor{}
		ws := NewRemoteWorkspace(rec, "/workspace", nil)
		bad := append([]keel.RestoreItem{}, items...)
		bad[1].Path = "../x"
		if _, err := ws.RestoreBatch(ctx, alice, bad); !errors.Is(err, keel.ErrInvalidPath) {
			t.Errorf("RestoreBatch() error = %v, want ErrInvalidPath", err)
		}
		if len(rec.scripts) != 0 {
			t.Error("invalid batch reached the executor")
		}
	})
}

func TestRemoteWorkspace_NonZeroExit(t *testing.T) {
	rec := &cannedExecutor{result: keel.BatchResult{Output: "disk full", ExitCode: 1}}
	ws := NewRemoteWorkspace(rec, "/workspace", nil)
	err := ws.WriteFile(context.Background(), alice, "a.js", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("WriteFile() error = %v, want exit output", err)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "'plain'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "$HOME `x`", want: "'$HOME `x`'"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDockerExecutor(t *testing.T) {
	requireShell(t)

	// A stand-in docker binary that drops "exec -i <container>" and runs the rest.
	bin := filepath.Join(t.TempDir(), "docker")
	fake := "#!/bin/sh\necho \"$3\" >&2\nshift 3\nexec \"$@\"\n"
	if err := os.WriteFile(bin, []byte(fake), 0755); err != nil {
		t.Fatal(err)
	}

	d := NewDockerExecutor("keel-", time.Minute, nil)
	d.dockerCmd = bin

	if got := d.Container(alice); got != "keel-p1" {
		t.Errorf("Container() = %q, want keel-p1", got)
	}

	ctx := context.Background()
	res, err := d.Execute(ctx, alice, "echo hello\n")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Output) != "hello" {
		t.Errorf("Execute() = %+v, want hello/0", res)
	}

	res, err = d.Execute(ctx, alice, "echo boom; exit 3\n")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 3 || !strings.Contains(res.Output, "boom") {
		t.Errorf("Execute() = %+v, want boom/3", res)
	}

	// Exit codes from docker itself surface as errors.
	if _, err := d.Execute(ctx, alice, "exit 125\n"); err == nil {
		t.Error("Execute() expected error for exit 125")
	}

	if _, err := d.Execute(ctx, keel.Owner{UserID: "u", ProjectID: "../x"}, "true\n"); !errors.Is(err, keel.ErrInvalidOwner) {
		t.Errorf("Execute() error = %v, want ErrInvalidOwner", err)
	}
}

func TestRemoteWorkspace_RestoreBatch_Shell(t *testing.T) {
	if _, err := exec.LookPath("curl"); err != nil {
		t.Skipf("curl not available: %v", err)
	}
	ctx := context.Background()
	ws, dir := newShellRemote(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "body of %s", r.URL.Path)
	}))
	defer srv.Close()

	var items []keel.RestoreItem
	for i := 0; i < restoreParallelism+4; i++ {
		items = append(items, keel.RestoreItem{Path: fmt.Sprintf("src/f%d.js", i), URL: fmt.Sprintf("%s/f%d", srv.URL, i)})
	}
	items = append(items, keel.RestoreItem{Path: "gone.js", URL: srv.URL + "/missing"})

	n, err := ws.RestoreBatch(ctx, alice, items)
	if err != nil {
		t.Fatalf("RestoreBatch() error = %v", err)
	}
	if n != len(items)-1 {
		t.Errorf("RestoreBatch() = %d, want %d", n, len(items)-1)
	}
	got, err := os.ReadFile(filepath.Join(dir, "src", "f3.js"))
	if err != nil || string(got) != "body of /f3" {
		t.Errorf("src/f3.js = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.js")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("failed download left a file: %v", err)
	}
}
