package metrics

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// ReadTextfile parses a metrics file in the Prometheus text format. A
// missing file holds no families.
func ReadTextfile(path string) ([]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening metrics file: %w", err)
	}
	defer f.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	byName, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return nil, fmt.Errorf("parsing metrics file %s: %w", path, err)
	}
	out := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		out = append(out, mf)
	}
	sortFamilies(out)
	return out, nil
}

// Totals returns the families saved at path with g's current values
// merged in.
func Totals(path string, g prometheus.Gatherer) ([]*dto.MetricFamily, error) {
	prev, err := ReadTextfile(path)
	if err != nil {
		return nil, err
	}
	cur, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	return Merge(prev, cur), nil
}

// SaveTextfile folds g into the totals at path and rewrites the file
// atomically. The file is laid out for the node exporter's textfile
// collector.
func SaveTextfile(path string, g prometheus.Gatherer) error {
	totals, err := Totals(path, g)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	snapshot := prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) { return totals, nil })
	if err := prometheus.WriteToTextfile(path, snapshot); err != nil {
		return fmt.Errorf("writing metrics file: %w", err)
	}
	return nil
}

// WriteFamilies writes families in the Prometheus text format.
func WriteFamilies(w io.Writer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Merge adds cur onto prev. Counters, untyped samples and histograms
// accumulate. Gauges and summaries take cur's value. Series only prev has
// are kept, and a family whose type changed is replaced by cur.
func Merge(prev, cur []*dto.MetricFamily) []*dto.MetricFamily {
	byName := make(map[string]*dto.MetricFamily, len(prev)+len(cur))
	for _, mf := range prev {
		byName[mf.GetName()] = mf
	}
	for _, mf := range cur {
		old, ok := byName[mf.GetName()]
		if !ok || old.GetType() != mf.GetType() {
			byName[mf.GetName()] = mf
			continue
		}
		byName[mf.GetName()] = mergeFamily(old, mf)
	}

	out := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		out = append(out, mf)
	}
	sortFamilies(out)
	return out
}

func sortFamilies(families []*dto.MetricFamily) {
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
}

func mergeFamily(prev, cur *dto.MetricFamily) *dto.MetricFamily {
	series := make(map[string]*dto.Metric, len(prev.GetMetric())+len(cur.GetMetric()))
	for _, m := range prev.GetMetric() {
		series[labelKey(m)] = m
	}
	for _, m := range cur.GetMetric() {
		k := labelKey(m)
		if old, ok := series[k]; ok {
			series[k] = mergeMetric(cur.GetType(), old, m)
		} else {
			series[k] = m
		}
	}

	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &dto.MetricFamily{Name: cur.Name, Help: cur.Help, Type: cur.Type}
	for _, k := range keys {
		out.Metric = append(out.Metric, series[k])
	}
	return out
}

func labelKey(m *dto.Metric) string {
	pairs := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		pairs = append(pairs, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\xff")
}

func mergeMetric(t dto.MetricType, prev, cur *dto.Metric) *dto.Metric {
	switch t {
	case dto.MetricType_COUNTER:
		v := prev.GetCounter().GetValue() + cur.GetCounter().GetValue()
		return &dto.Metric{Label: cur.Label, Counter: &dto.Counter{Value: &v}}
	case dto.MetricType_UNTYPED:
		v := prev.GetUntyped().GetValue() + cur.GetUntyped().GetValue()
		return &dto.Metric{Label: cur.Label, Untyped: &dto.Untyped{Value: &v}}
	case dto.MetricType_HISTOGRAM:
		return &dto.Metric{Label: cur.Label, Histogram: mergeHistogram(prev.GetHistogram(), cur.GetHistogram())}
	default:
		return cur
	}
}

// mergeHistogram sums buckets by upper bound. The +Inf bucket is dropped
// since the encoder derives it from the sample count.
func mergeHistogram(prev, cur *dto.Histogram) *dto.Histogram {
	counts := make(map[float64]uint64)
	for _, h := range []*dto.Histogram{prev, cur} {
		for _, b := range h.GetBucket() {
			if math.IsInf(b.GetUpperBound(), 1) {
				continue
			}
			counts[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	bounds := make([]float64, 0, len(counts))
	for ub := range counts {
		bounds = append(bounds, ub)
	}
	sort.Float64s(bounds)

	count := prev.GetSampleCount() + cur.GetSampleCount()
	sum := prev.GetSampleSum() + cur.GetSampleSum()
	out := &dto.Histogram{SampleCount: &count, SampleSum: &sum}
	for _, ub := range bounds {
		c := counts[ub]
		out.Bucket = append(out.Bucket, &dto.Bucket{UpperBound: &ub, CumulativeCount: &c})
	}
	return out
}
