package castle

import (
	"math"

	"github.com/google/uuid"
)

// Record is one upstream stream record: an attribute-value mapping that
// must contain at least a pid field, the configured quasi-identifier
// headers, and the configured sensitive attribute. Non-quasi fields are
// passed through unchanged to the generalized output.
type Record map[string]any

// GeneralizedField replaces a quasi-identifier value in a released
// record: the cluster's envelope for that header, plus the tuple's own
// original value for traceability.
type GeneralizedField struct {
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
	Original float64 `json:"original"`
}

// Output is one generalized record handed to a sink: a copy of the
// originating Record with each configured header's value replaced by a
// GeneralizedField. Non-quasi fields, including pid and the sensitive
// attribute, pass through unchanged.
type Output map[string]any

// Item is a single stream record admitted into the engine: its
// quasi-identifier vector, sensitive value, person identifier, and a
// weak back-reference to the cluster currently holding it.
//
// parent is a lookup-only relation, never an ownership one — Clusters
// own Items through their contents slice; an Item never outlives
// the cluster that references it, and removing an Item from its
// cluster (suppress/output) clears parent.
type Item struct {
	id        uuid.UUID // internal correlation id; never used in anonymity computations
	pid       any
	sensitive any
	values    map[string]float64
	raw       Record
	parent    *Cluster
}

// NewItem builds an Item from an upstream record. headers names the
// quasi-identifier columns; values for those headers must already be
// numeric (float64) in rec — record-level validation happens before
// construction.
func NewItem(rec Record, headers []string, sensitiveAttr string) *Item {
	values := make(map[string]float64, len(headers))
	for _, h := range headers {
		if v, ok := rec[h].(float64); ok {
			values[h] = v
		}
	}
	return &Item{
		id:        uuid.New(),
		pid:       rec["pid"],
		sensitive: rec[sensitiveAttr],
		values:    values,
		raw:       rec,
	}
}

// ID returns the item's internal correlation id, used only for logging.
func (t *Item) ID() uuid.UUID { return t.id }

// PID returns the person identifier this tuple belongs to.
func (t *Item) PID() any { return t.pid }

// Sensitive returns the tuple's sensitive-attribute value.
func (t *Item) Sensitive() any { return t.sensitive }

// Value returns the tuple's value for the given quasi-identifier header.
func (t *Item) Value(header string) (float64, bool) {
	v, ok := t.values[header]
	return v, ok
}

// setValue overwrites the tuple's value for header, used by DP
// perturbation to fudge quasi-identifiers in place.
func (t *Item) setValue(header string, v float64) {
	t.values[header] = v
}

// Parent returns the cluster currently containing this item, or nil.
func (t *Item) Parent() *Cluster { return t.parent }

// Raw returns a shallow copy of the originating record, for callers (the
// history store, logging) that need the pre-generalization row without
// risking a mutation leaking back into the item.
func (t *Item) Raw() Record {
	out := make(Record, len(t.raw))
	for k, v := range t.raw {
		out[k] = v
	}
	return out
}

// Distance computes the root-mean-square distance between two tuples
// over the given quasi-identifier headers. Used by split to order
// bucket representatives by distance from the seed tuple.
func (t *Item) Distance(other *Item, headers []string) float64 {
	if len(headers) == 0 {
		return 0
	}
	var sumSq float64
	for _, h := range headers {
		a := t.values[h]
		b := other.values[h]
		d := a - b
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(headers)))
}
