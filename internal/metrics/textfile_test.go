package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestSaveTextfile_Accumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics", "keel.prom")

	first := New()
	first.ObserveWrite("ok")
	first.ObserveWrite("ok")
	first.ObserveRehydrate(3, 1, false, 200*time.Millisecond)
	if err := SaveTextfile(path, first.Registry); err != nil {
		t.Fatalf("SaveTextfile() error = %v", err)
	}

	second := New()
	second.ObserveWrite("ok")
	second.ObserveWrite("upload_failed")
	second.ObserveRehydrate(2, 0, false, 3*time.Second)
	if err := SaveTextfile(path, second.Registry); err != nil {
		t.Fatalf("second SaveTextfile() error = %v", err)
	}

	want := `
# HELP keel_writes_total File writes through the consistency engine by result
# TYPE keel_writes_total counter
keel_writes_total{result="ok"} 3
keel_writes_total{result="upload_failed"} 1
# HELP keel_rehydrated_files_total Files restored into workspaces by result
# TYPE keel_rehydrated_files_total counter
keel_rehydrated_files_total{result="failed"} 1
keel_rehydrated_files_total{result="restored"} 5
`
	saved := prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) { return ReadTextfile(path) })
	if err := testutil.GatherAndCompare(saved, strings.NewReader(want), "keel_writes_total", "keel_rehydrated_files_total"); err != nil {
		t.Error(err)
	}

	families, err := ReadTextfile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "keel_rehydrate_duration_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 2 {
			t.Errorf("duration sample count = %d, want 2", h.GetSampleCount())
		}
		if got := h.GetSampleSum(); got < 3.19 || got > 3.21 {
			t.Errorf("duration sample sum = %v, want 3.2", got)
		}
		for _, b := range h.GetBucket() {
			if b.GetUpperBound() == 0.25 && b.GetCumulativeCount() != 1 {
				t.Errorf("le=0.25 bucket = %d, want 1", b.GetCumulativeCount())
			}
			if b.GetUpperBound() == 5 && b.GetCumulativeCount() != 2 {
				t.Errorf("le=5 bucket = %d, want 2", b.GetCumulativeCount())
			}
		}
		return
	}
	t.Error("keel_rehydrate_duration_seconds missing from metrics file")
}

func TestReadTextfile_Missing(t *testing.T) {
	families, err := ReadTextfile(filepath.Join(t.TempDir(), "absent.prom"))
	if err != nil || families != nil {
		t.Errorf("ReadTextfile(missing) = %v, %v, want nil, nil", families, err)
	}
}

func TestReadTextfile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.prom")
	if err := os.WriteFile(path, []byte("keel_writes_total{result=\"ok\" 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTextfile(path); err == nil {
		t.Error("ReadTextfile(corrupt) expected error")
	}
}
