// Package canon collapses free-text labels (units, owners, topics) onto a
// canonical key so that "Unit 2", "unit  2" and " UNIT 2 " are one value.
package canon

import (
	"sort"
	"strings"
)

// Canonicalize returns the lookup key for s: lowercase, trimmed, with runs of
// whitespace collapsed to a single space.
func Canonicalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Dictionary maps canonical keys to display labels.
type Dictionary struct {
	labels map[string]string
	order  []string
}

// Build groups values by canonical key. The shortest surface label wins;
// ties go to the first one seen. Blank values are ignored.
func Build(values []string) *Dictionary {
	d := &Dictionary{labels: map[string]string{}}
	for _, v := range values {
		d.Add(v)
	}
	return d
}

// Add folds one raw value into the dictionary.
func (d *Dictionary) Add(value string) {
	if d.labels == nil {
		d.labels = map[string]string{}
	}
	key := Canonicalize(value)
	if key == "" {
		return
	}
	label := clean(value)
	cur, ok := d.labels[key]
	if !ok {
		d.labels[key] = label
		d.order = append(d.order, key)
		return
	}
	if len(label) < len(cur) {
		d.labels[key] = label
	}
}

// Lookup returns the display label for any variant of value.
func (d *Dictionary) Lookup(value string) (string, bool) {
	if d == nil {
		return "", false
	}
	label, ok := d.labels[Canonicalize(value)]
	return label, ok
}

// Labels returns the display labels sorted by canonical key.
func (d *Dictionary) Labels() []string {
	if d == nil {
		return []string{}
	}
	keys := make([]string, len(d.order))
	copy(keys, d.order)
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.labels[k])
	}
	return out
}

func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.labels)
}

// Dedupe returns one display label per canonical key, sorted by key.
func Dedupe(values []string) []string {
	return Build(values).Labels()
}

// MigrateLegacy maps a legacy free-text value onto the option sharing its
// canonical key. Without a match the trimmed original is returned.
func MigrateLegacy(value string, options []string) string {
	if label, ok := Build(options).Lookup(value); ok {
		return label
	}
	return strings.TrimSpace(value)
}
