package main

import (
	"strings"
	"testing"
)

func TestReadErrorLines(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "single error",
			input: "ReferenceError: useState is not defined\n",
			want:  []string{"ReferenceError: useState is not defined"},
		},
		{
			name:  "blank lines separate errors",
			input: "Error: one\n    at a.js:1\n\n\nError: two\n",
			want:  []string{"Error: one\n    at a.js:1", "Error: two"},
		},
		{
			name:    "empty input",
			input:   "\n  \n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readErrorLines(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readErrorLines() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("readErrorLines() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("readErrorLines()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
