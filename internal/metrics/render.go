package metrics

import (
	"fmt"
	"strconv"
	"strings"
)

// Render writes every registered family in name order. Families without
// samples still get their HELP and TYPE lines.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedKeys(r.families) {
		f := r.families[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		for _, key := range sortedKeys(f.series) {
			s := f.series[key]
			if f.kind != kindHistogram {
				writeSample(&b, f.name, s.labels, formatFloat(s.value))
				continue
			}
			var cumulative uint64
			for i, n := range s.buckets {
				cumulative += n
				le := "+Inf"
				if i < len(f.buckets) {
					le = formatFloat(f.buckets[i])
				}
				withLE := cloneLabels(s.labels)
				withLE["le"] = le
				writeSample(&b, f.name+"_bucket", withLE, strconv.FormatUint(cumulative, 10))
			}
			writeSample(&b, f.name+"_sum", s.labels, formatFloat(s.sum))
			writeSample(&b, f.name+"_count", s.labels, strconv.FormatUint(s.count, 10))
		}
	}
	return b.String()
}

func writeSample(b *strings.Builder, name string, labels map[string]string, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		pairs := make([]string, 0, len(labels))
		for _, k := range sortedKeys(labels) {
			pairs = append(pairs, k+`="`+escapeLabel(labels[k])+`"`)
		}
		b.WriteString("{" + strings.Join(pairs, ",") + "}")
	}
	b.WriteString(" " + value + "\n")
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
