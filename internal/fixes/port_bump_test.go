package fixes

import (
	"context"
	"strings"
	"testing"
)

func TestPortBump_Next(t *testing.T) {
	b := NewPortBump(5173, 5199, nil)
	tests := []struct {
		in, want int
	}{
		{5173, 5174},
		{5198, 5199},
		{5199, 5173},
		{3000, 5173},
		{8080, 5173},
	}
	for _, tt := range tests {
		if got := b.next(tt.in); got != tt.want {
			t.Errorf("next(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPortBump_Apply(t *testing.T) {
	ctx := context.Background()
	s := mustScaffold(t)

	tests := []struct {
		name     string
		files    map[string]string
		errText  string
		wantFile string
		want     string
	}{
		{
			name:     "bumps configured port",
			files:    map[string]string{"vite.config.js": "export default defineConfig({\n  server: { port: 5173 },\n})\n"},
			errText:  "Error: listen EADDRINUSE: address already in use :::5173",
			wantFile: "vite.config.js",
			want:     "server: { port: 5174 }",
		},
		{
			name:     "uses taken port over config",
			files:    map[string]string{"vite.config.ts": "defineConfig({ server: { port: 5173 } })"},
			errText:  "Port 5180 is in use",
			wantFile: "vite.config.ts",
			want:     "port: 5181",
		},
		{
			name:     "wraps at top of range",
			files:    map[string]string{"vite.config.js": "defineConfig({ server: { port: 5199 } })"},
			errText:  "EADDRINUSE",
			wantFile: "vite.config.js",
			want:     "port: 5173",
		},
		{
			name:     "inserts into server block",
			files:    map[string]string{"vite.config.js": "export default defineConfig({\n  server: {\n    host: true,\n  },\n})\n"},
			errText:  "address already in use 0.0.0.0:5173",
			wantFile: "vite.config.js",
			want:     "server: {\n    port: 5174,\n    host: true,",
		},
		{
			name:     "inserts server block",
			files:    map[string]string{"vite.config.js": "export default defineConfig({\n  plugins: [],\n})\n"},
			errText:  "EADDRINUSE :5173",
			wantFile: "vite.config.js",
			want:     "defineConfig({\n  server: { host: true, port: 5174 },\n  plugins: [],",
		},
		{
			name:     "writes template when missing",
			files:    map[string]string{"src/App.jsx": "x"},
			errText:  "port 5173 is already in use",
			wantFile: "vite.config.js",
			want:     "port: 5174,",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newMemTarget(tt.files)
			out, err := NewPortBump(5173, 5199, s).Apply(ctx, target, tt.errText)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if !out.Applied || out.Files[0] != tt.wantFile {
				t.Fatalf("Apply() = %+v, want %s", out, tt.wantFile)
			}
			if got := target.files[tt.wantFile]; !strings.Contains(got, tt.want) {
				t.Errorf("%s =\n%s\nwant it to contain\n%s", tt.wantFile, got, tt.want)
			}
		})
	}

	t.Run("no collision", func(t *testing.T) {
		out, err := NewPortBump(5173, 5199, s).Apply(ctx, newMemTarget(nil), "SyntaxError")
		if err != nil || out.Applied {
			t.Errorf("Apply() = %+v, %v", out, err)
		}
	})

	t.Run("unrecognised config left alone", func(t *testing.T) {
		target := newMemTarget(map[string]string{"vite.config.js": "module.exports = {}"})
		out, err := NewPortBump(5173, 5199, s).Apply(ctx, target, "EADDRINUSE")
		if err != nil || out.Applied {
			t.Errorf("Apply() = %+v, %v", out, err)
		}
	})
}
