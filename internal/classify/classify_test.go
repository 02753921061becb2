package classify

import (
	"reflect"
	"regexp"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Category
		rule string
	}{
		{name: "port wins over package words", raw: "port already in use while installing packages", want: CategoryInfrastructure, rule: "port-in-use"},
		{name: "EADDRINUSE", raw: "Error: listen EADDRINUSE: address already in use :::5173", want: CategoryInfrastructure, rule: "port-in-use"},
		{name: "vite port notice", raw: "Port 5173 is in use, trying another one...", want: CategoryInfrastructure, rule: "port-in-use"},
		{name: "permission", raw: "Error: EACCES: permission denied, open '/workspace/dist/a.js'", want: CategoryInfrastructure, rule: "permission"},
		{name: "container gone", raw: "Error response from daemon: No such container: keel-p1", want: CategoryInfrastructure, rule: "container"},
		{name: "registry timeout", raw: "npm ERR! network request to https://registry.npmjs.org/react failed, reason: ETIMEDOUT", want: CategoryNetwork},
		{name: "dns", raw: "getaddrinfo EAI_AGAIN registry.npmjs.org", want: CategoryNetwork, rule: "connection"},
		{name: "out of memory before network", raw: "FATAL ERROR: JavaScript heap out of memory ECONNRESET", want: CategorySystem, rule: "resource-exhausted"},
		{name: "platform", raw: "Internal server error while contacting sandbox", want: CategorySystem, rule: "platform-failure"},
		{name: "missing package", raw: "Error: Cannot find module 'express'", want: CategoryDependency, rule: "missing-package"},
		{name: "vite unresolved package", raw: `Failed to resolve import "react-router-dom" from "src/App.jsx". Does the file exist?`, want: CategoryDependency, rule: "missing-package"},
		{name: "python missing module", raw: "ModuleNotFoundError: No module named 'flask'", want: CategoryDependency, rule: "missing-package"},
		{name: "eresolve", raw: "npm ERR! code ERESOLVE\nnpm ERR! ERESOLVE unable to resolve dependency tree", want: CategoryDependency, rule: "package-manager"},
		{name: "relative module is code", raw: "Error: Cannot find module './utils'", want: CategoryCode, rule: "module-contract"},
		{name: "relative vite import is code", raw: `Failed to resolve import "./components/Card" from "src/App.jsx"`, want: CategoryCode, rule: "module-contract"},
		{name: "syntax", raw: "SyntaxError: Unexpected token '<' (12:4)", want: CategoryCode, rule: "syntax"},
		{name: "reference", raw: "ReferenceError: useState is not defined", want: CategoryCode, rule: "reference"},
		{name: "typescript", raw: "src/main.ts(3,7): error TS2322: Type 'string' is not assignable to type 'number'.", want: CategoryCode, rule: "reference"},
		{name: "missing export", raw: "The requested module '/src/Button.jsx' does not provide an export named 'Button'", want: CategoryCode, rule: "module-contract"},
		{name: "tailwind token", raw: "The `border-border` class does not exist.", want: CategoryCode, rule: "module-contract"},
		{name: "unknown", raw: "something odd happened", want: CategoryUnknown},
		{name: "empty", raw: "", want: CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw)
			if got.Category != tt.want {
				t.Errorf("Classify(%q).Category = %s (rule %s), want %s", tt.raw, got.Category, got.Rule, tt.want)
			}
			if tt.rule != "" && got.Rule != tt.rule {
				t.Errorf("Classify(%q).Rule = %s, want %s", tt.raw, got.Rule, tt.rule)
			}
			if got.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestDefaultRules_Ordered(t *testing.T) {
	rank := map[Category]int{
		CategorySystem:         0,
		CategoryNetwork:        1,
		CategoryInfrastructure: 2,
		CategoryDependency:     3,
		CategoryCode:           4,
	}
	last := -1
	names := make(map[string]bool)
	for _, r := range DefaultRules {
		n, ok := rank[r.Category]
		if !ok {
			t.Fatalf("rule %s has unexpected category %s", r.Name, r.Category)
		}
		if n < last {
			t.Errorf("rule %s (%s) appears after a lower-priority category", r.Name, r.Category)
		}
		last = n
		if names[r.Name] {
			t.Errorf("duplicate rule name %s", r.Name)
		}
		names[r.Name] = true
	}
}

func TestClassifier_CustomOrder(t *testing.T) {
	dep := Rule{Name: "dep", Category: CategoryDependency, Pattern: regexp.MustCompile(`installing`), Reason: "dep"}
	infra := Rule{Name: "infra", Category: CategoryInfrastructure, Pattern: regexp.MustCompile(`port`), Reason: "infra"}
	raw := "port already in use while installing packages"

	if got := New([]Rule{dep, infra}).Classify(raw); got.Rule != "dep" {
		t.Errorf("Classify() rule = %s, want dep", got.Rule)
	}
	if got := New([]Rule{infra, dep}).Classify(raw); got.Rule != "infra" {
		t.Errorf("Classify() rule = %s, want infra", got.Rule)
	}
}

func TestCategory_CodeFixable(t *testing.T) {
	tests := []struct {
		c    Category
		want bool
	}{
		{CategorySystem, false},
		{CategoryNetwork, false},
		{CategoryInfrastructure, true},
		{CategoryDependency, true},
		{CategoryCode, true},
		{CategoryUnknown, true},
	}
	for _, tt := range tests {
		if got := tt.c.CodeFixable(); got != tt.want {
			t.Errorf("%s.CodeFixable() = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestClassifyComplexity(t *testing.T) {
	tests := []struct {
		name  string
		errs  []string
		files []string
		want  Complexity
	}{
		{name: "single syntax error", errs: []string{"SyntaxError: Unexpected token in src/App.jsx:3:1"}, want: ComplexitySimple},
		{name: "python name error", errs: []string{`File "/app/main.py", line 3` + "\nNameError: name 'x' is not defined"}, want: ComplexitySimple},
		{name: "config file", errs: []string{"Error: Failed to load PostCSS config from postcss.config.js"}, want: ComplexityModerate},
		{name: "config in extra files", errs: []string{"TypeError: x is undefined"}, files: []string{"vite.config.js"}, want: ComplexityModerate},
		{name: "ambiguous", errs: []string{"build failed"}, want: ComplexityModerate},
		{name: "many errors", errs: []string{"a", "b", "c", "d"}, want: ComplexityComplex},
		{name: "many files", errs: []string{"TypeError in src/a.js, src/b.js and src/c.js"}, want: ComplexityComplex},
		{name: "two files still simple", errs: []string{"ReferenceError: foo is not defined at src/a.js:1 via src/b.js:2"}, want: ComplexitySimple},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyComplexity(tt.errs, tt.files); got != tt.want {
				t.Errorf("ClassifyComplexity() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFileRefs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []FileRef
	}{
		{
			name: "vite absolute with line",
			text: "[plugin:vite:react-babel] /src/App.jsx:12:5: Unexpected token",
			want: []FileRef{{Path: "src/App.jsx", Line: 12}},
		},
		{
			name: "sandbox root stripped",
			text: "Error in /workspace/src/components/Nav.tsx:4",
			want: []FileRef{{Path: "src/components/Nav.tsx", Line: 4}},
		},
		{
			name: "python traceback",
			text: `File "/app/main.py", line 7, in <module>`,
			want: []FileRef{{Path: "main.py", Line: 7}},
		},
		{
			name: "dedupe keeps first line",
			text: "src/a.js:3 then src/a.js:9 and ./src/b.css",
			want: []FileRef{{Path: "src/a.js", Line: 3}, {Path: "src/b.css"}},
		},
		{
			name: "dependency paths dropped",
			text: "at node_modules/react-dom/index.js:1 and /usr/lib/python3/x.py",
			want: nil,
		},
		{
			name: "urls ignored",
			text: "GET https://cdn.example.com/lib.js failed",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileRefs(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FileRefs() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"src/App.jsx", "src/App.jsx"},
		{"./src/App.jsx", "src/App.jsx"},
		{"/src/main.jsx?t=1712", "src/main.jsx"},
		{"/workspace/index.html", "index.html"},
		{"/tmp/build/vite.config.js", "vite.config.js"},
		{"../outside.js", ""},
		{"/workspace/node_modules/x/y.js", ""},
	}
	for _, tt := range tests {
		if got := RelativePath(tt.in); got != tt.want {
			t.Errorf("RelativePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
