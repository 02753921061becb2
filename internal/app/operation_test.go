package app

import (
	"errors"
	"testing"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		parameters string
	}{
		{
			name:       "with parameters",
			operation:  "Write",
			parameters: "p1:src/App.jsx",
		},
		{
			name:       "empty parameters",
			operation:  "Sweep",
			parameters: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.parameters)

			if op.Operation != tt.operation {
				t.Errorf("Operation = %q, want %q", op.Operation, tt.operation)
			}
			if op.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.parameters)
			}
			if op.Status != "success" {
				t.Errorf("Status = %q, want %q", op.Status, "success")
			}
			if op.ID != 0 {
				t.Errorf("ID = %d, want 0", op.ID)
			}
		})
	}
}

func TestOperation_Persisted(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want bool
	}{
		{name: "not persisted when ID is 0", id: 0, want: false},
		{name: "persisted when ID is positive", id: 1, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &Operation{ID: tt.id}
			if got := op.Persisted(); got != tt.want {
				t.Errorf("Persisted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperation_Fail(t *testing.T) {
	op := NewOperation("Write", "")
	if err := op.Fail(nil); err != nil {
		t.Fatalf("Fail(nil) = %v", err)
	}
	if op.Status != "success" {
		t.Errorf("Status = %q after Fail(nil), want success", op.Status)
	}

	boom := errors.New("boom")
	if err := op.Fail(boom); !errors.Is(err, boom) {
		t.Errorf("Fail() = %v, want %v", err, boom)
	}
	if op.Status != "error" {
		t.Errorf("Status = %q, want error", op.Status)
	}
}
