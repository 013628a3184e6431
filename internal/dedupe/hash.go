// Package dedupe computes stable content digests for activity events so
// identical submissions are recognized as duplicates instead of being
// double-counted. The digest is a durable uniqueness key: changing the
// canonical serialization here would orphan every stored hash, so treat
// the format as frozen.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/nutrino/carbonctl/internal/model"
)

// timeLayout is the canonical occurred_at rendering: ISO-8601 seconds
// precision, no zone suffix, always UTC.
const timeLayout = "2006-01-02T15:04:05"

// Digest hashes a canonical field mapping. Keys are sorted
// lexicographically, rendered as "key=value", joined with "|", and
// passed through SHA-256 to a lowercase hex string.
func Digest(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// EventDigest computes the dedupe hash for an activity event from its
// identity-bearing fields. A missing facility is rendered as the
// sentinel 0 so presence/absence hashes differently from facility ids.
//
// value_numeric uses FormatNumeric so equal values always hash equally
// regardless of how the source rendered them (100 vs 100.0).
func EventDigest(ev *model.ActivityEvent) string {
	var facilityID int64
	if ev.FacilityID != nil {
		facilityID = *ev.FacilityID
	}
	return Digest(map[string]string{
		"org_id":        strconv.FormatInt(ev.OrgID, 10),
		"facility_id":   strconv.FormatInt(facilityID, 10),
		"occurred_at":   ev.OccurredAt.UTC().Format(timeLayout),
		"category":      ev.Category,
		"unit":          ev.Unit,
		"value_numeric": FormatNumeric(ev.ValueNumeric),
	})
}

// FormatNumeric renders a float with the shortest decimal representation
// that round-trips (strconv 'g', precision -1). This is the canonical,
// locale-independent rendering the hash contract depends on: 100.0
// renders as "100", 50.5 as "50.5".
func FormatNumeric(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
