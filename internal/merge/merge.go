// Package merge reconciles freshly fetched record sets against previously
// stored ones. It is pure: no I/O, no clock, fully deterministic.
package merge

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one tabular row keyed by column name. A nil value means the
// column is absent for this row; storage renders it as NULL.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key builds the composite join key of a record over keyCols. Values are
// rendered as strings so that identical keys compare equal regardless of
// the Go type they were decoded into.
func Key(r Record, keyCols []string) string {
	parts := make([]string, len(keyCols))
	for i, col := range keyCols {
		parts[i] = fmt.Sprint(r[col])
	}
	return strings.Join(parts, "\x00")
}

// Merge performs a full outer join of newRecs against existingRecs on
// keyCols and resolves conflicts per non-key column: the new value wins
// whenever it is present and non-nil, otherwise the existing value is
// retained. Exactly one record per key survives; within each input the
// first occurrence of a duplicate key wins. The result is ordered by the
// key columns ascending.
//
// Either side may be empty: an empty new set returns the existing records
// unchanged in their given order, an empty existing set returns the new
// records deduplicated and sorted.
//
// Note: a provider that legitimately reports a null for a field that used
// to have a value keeps the stale stored value. "Missing" and "null" are
// not distinguished on the wire, so latest-non-null wins.
func Merge(newRecs, existingRecs []Record, keyCols []string) []Record {
	if len(newRecs) == 0 {
		return existingRecs
	}
	if len(existingRecs) == 0 {
		return sortByKey(dedup(newRecs, keyCols), keyCols)
	}

	existingByKey := make(map[string]Record, len(existingRecs))
	existingOrder := make([]string, 0, len(existingRecs))
	for _, rec := range existingRecs {
		k := Key(rec, keyCols)
		if _, ok := existingByKey[k]; !ok {
			existingByKey[k] = rec
			existingOrder = append(existingOrder, k)
		}
	}

	merged := make(map[string]Record, len(existingByKey)+len(newRecs))
	for _, rec := range dedup(newRecs, keyCols) {
		k := Key(rec, keyCols)
		if old, ok := existingByKey[k]; ok {
			merged[k] = overlay(old, rec)
		} else {
			merged[k] = rec
		}
	}
	for _, k := range existingOrder {
		if _, ok := merged[k]; !ok {
			merged[k] = existingByKey[k]
		}
	}

	out := make([]Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	return sortByKey(out, keyCols)
}

// sortByKey orders recs by their composite key ascending, in place.
func sortByKey(recs []Record, keyCols []string) []Record {
	sort.Slice(recs, func(i, j int) bool {
		return Key(recs[i], keyCols) < Key(recs[j], keyCols)
	})
	return recs
}

// overlay applies the non-nil columns of new on top of old.
func overlay(old, new Record) Record {
	out := old.Clone()
	for col, v := range new {
		if v != nil {
			out[col] = v
		}
	}
	return out
}

// dedup keeps the first record per key, preserving input order.
func dedup(recs []Record, keyCols []string) []Record {
	seen := make(map[string]struct{}, len(recs))
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		k := Key(rec, keyCols)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	return out
}
