// Package stats aggregates archived races into per-equipment summaries.
package stats

import (
	"strings"

	"github.com/kalambet/racelog/internal/finishtime"
	"github.com/kalambet/racelog/internal/storage"
)

// UnspecifiedLabel is how the bucket for records without equipment is displayed.
const UnspecifiedLabel = "(unspecified)"

// EquipmentStats summarizes every record that shares one equipment label.
type EquipmentStats struct {
	Equipment   string             `json:"equipment"`
	Unspecified bool               `json:"unspecified,omitempty"`
	Count       int                `json:"count"`
	BestTime    string             `json:"best_time"`
	BestSeconds finishtime.Seconds `json:"best_seconds"`
}

// Label returns the display label, UnspecifiedLabel for the blank bucket.
func (e EquipmentStats) Label() string {
	if e.Unspecified {
		return UnspecifiedLabel
	}
	return e.Equipment
}

type bucketKey struct {
	label       string
	unspecified bool
}

// ByEquipment groups records by equipment in a single pass. Entries appear in
// order of first appearance. A best time is only replaced by a strictly
// smaller one, so the earliest record wins ties.
func ByEquipment(records []storage.Archive) []EquipmentStats {
	out := []EquipmentStats{}
	index := make(map[bucketKey]int)

	for _, r := range records {
		label := strings.TrimSpace(r.Equipment)
		key := bucketKey{label: label, unspecified: label == ""}
		secs := r.FinishSeconds()

		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, EquipmentStats{
				Equipment:   label,
				Unspecified: key.unspecified,
				Count:       1,
				BestTime:    r.FinishTime,
				BestSeconds: secs,
			})
			continue
		}

		e := &out[i]
		e.Count++
		if secs < e.BestSeconds {
			e.BestSeconds = secs
			e.BestTime = r.FinishTime
		}
	}
	return out
}

// Lookup returns the entry for label. An empty label selects the
// unspecified bucket.
func Lookup(entries []EquipmentStats, label string) (EquipmentStats, bool) {
	label = strings.TrimSpace(label)
	for _, e := range entries {
		if e.Unspecified == (label == "") && e.Equipment == label {
			return e, true
		}
	}
	return EquipmentStats{}, false
}
