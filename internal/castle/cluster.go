package castle

import "math"

// Cluster groups Items considered interchangeable by the algorithm. Its
// per-header Range envelopes are monotone for the cluster's whole active
// lifetime: Remove never shrinks them, matching the published CASTLE
// algorithm — an implementer should not attempt
// to tighten envelopes on remove).
type Cluster struct {
	headers  []string
	contents []*Item
	ranges   map[string]Range

	// diversity counts, per sensitive value, how many resident tuples
	// carry it. Unlike ranges this DOES shrink on Remove: diversity is
	// defined as the set of distinct sensitive values currently present,
	// not a monotone envelope.
	diversity map[any]int
}

// NewCluster returns an empty cluster with a Range per header.
func NewCluster(headers []string) *Cluster {
	ranges := make(map[string]Range, len(headers))
	for _, h := range headers {
		ranges[h] = Range{}
	}
	return &Cluster{
		headers:   headers,
		ranges:    ranges,
		diversity: make(map[any]int),
	}
}

// Len returns the number of tuples currently in the cluster.
func (c *Cluster) Len() int { return len(c.contents) }

// Contents returns the cluster's tuples in insertion order. The backing
// slice is owned by the cluster; callers must not mutate it.
func (c *Cluster) Contents() []*Item { return c.contents }

// Headers returns the configured quasi-identifier headers for this
// cluster, in canonical order (used wherever a fixed iteration order
// over ranges is needed for deterministic information-loss sums).
func (c *Cluster) Headers() []string { return c.headers }

// RangeFor returns the cluster's current envelope for header.
func (c *Cluster) RangeFor(header string) Range { return c.ranges[header] }

// Diversity returns the set of distinct sensitive values currently
// present among the cluster's contents.
func (c *Cluster) Diversity() map[any]int { return c.diversity }

// DiversityCount returns the number of distinct sensitive values
// currently present.
func (c *Cluster) DiversityCount() int { return len(c.diversity) }

// Contains reports whether t is currently resident in this cluster.
func (c *Cluster) Contains(t *Item) bool {
	for _, e := range c.contents {
		if e == t {
			return true
		}
	}
	return false
}

// Insert appends t to the cluster, reparents it, widens every header's
// range to cover t's value, and records its sensitive value in the
// diversity set.
func (c *Cluster) Insert(t *Item) {
	c.contents = append(c.contents, t)
	t.parent = c
	for _, h := range c.headers {
		if v, ok := t.Value(h); ok {
			r := c.ranges[h]
			r.Update(v)
			c.ranges[h] = r
		}
	}
	c.diversity[t.sensitive]++
}

// Remove deletes t from the cluster's contents and diversity set.
// Ranges are NOT shrunk (see type doc). t.parent is cleared. Remove is
// a no-op if t is not resident.
func (c *Cluster) Remove(t *Item) {
	for i, e := range c.contents {
		if e == t {
			c.contents = append(c.contents[:i], c.contents[i+1:]...)
			c.diversity[t.sensitive]--
			if c.diversity[t.sensitive] <= 0 {
				delete(c.diversity, t.sensitive)
			}
			t.parent = nil
			return
		}
	}
}

// InformationLoss sums the normalized width of every header's range
// against the corresponding global range.
func (c *Cluster) InformationLoss(global map[string]Range) float64 {
	var loss float64
	for _, h := range c.headers {
		loss += c.ranges[h].Normalized(global[h])
	}
	return loss
}

// InformationLossGivenT returns the information loss the cluster would
// have if its ranges were hypothetically widened to also cover t's
// values, without mutating the cluster.
func (c *Cluster) InformationLossGivenT(t *Item, global map[string]Range) float64 {
	var loss float64
	for _, h := range c.headers {
		r := c.ranges[h]
		if v, ok := t.Value(h); ok {
			r = r.Extended(v)
		}
		loss += r.Normalized(global[h])
	}
	return loss
}

// InformationLossGivenC returns the information loss the cluster would
// have if its ranges were hypothetically widened to also cover other's
// envelope, without mutating either cluster.
func (c *Cluster) InformationLossGivenC(other *Cluster, global map[string]Range) float64 {
	var loss float64
	for _, h := range c.headers {
		r := c.ranges[h].Merged(other.ranges[h])
		loss += r.Normalized(global[h])
	}
	return loss
}

// TupleEnlargement is the per-header-average information-loss increase
// from hypothetically admitting t.
func (c *Cluster) TupleEnlargement(t *Item, global map[string]Range) float64 {
	if len(c.headers) == 0 {
		return 0
	}
	return (c.InformationLossGivenT(t, global) - c.InformationLoss(global)) / float64(len(c.headers))
}

// ClusterEnlargement is the per-header-average information-loss increase
// from hypothetically merging other into c.
func (c *Cluster) ClusterEnlargement(other *Cluster, global map[string]Range) float64 {
	if len(c.headers) == 0 {
		return 0
	}
	return (c.InformationLossGivenC(other, global) - c.InformationLoss(global)) / float64(len(c.headers))
}

// WithinBounds reports whether every one of t's quasi-identifier values
// falls within the cluster's current envelope for that header. Used by
// the delay constraint's Ω-shelter lookup.
func (c *Cluster) WithinBounds(t *Item) bool {
	for _, h := range c.headers {
		v, ok := t.Value(h)
		if !ok {
			continue
		}
		if !c.ranges[h].Covers(v) {
			return false
		}
	}
	return true
}

// Distance returns the root-mean-square distance from t to the centroid of the
// cluster's current envelope (midpoint of each header's range). Used by
// split_l's "nearest cluster" scatter step over cluster envelopes rather
// than individual tuples.
func (c *Cluster) Distance(t *Item) float64 {
	if len(c.headers) == 0 {
		return 0
	}
	var sumSq float64
	for _, h := range c.headers {
		r := c.ranges[h]
		mid := (r.Lower() + r.Upper()) / 2
		v, _ := t.Value(h)
		d := v - mid
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(c.headers)))
}

// Generalise produces the released Output for tuple t: its
// quasi-identifier fields replaced by GeneralizedFields covering the
// cluster's current envelope plus t's own value, and all other fields
// of t's originating record passed through unchanged. Returns the
// generalized record and the original Item (so the caller can suppress
// it after release).
func (c *Cluster) Generalise(t *Item) (Output, *Item) {
	out := make(Output, len(t.raw))
	for k, v := range t.raw {
		out[k] = v
	}
	for _, h := range c.headers {
		r := c.ranges[h]
		v, _ := t.Value(h)
		out[h] = GeneralizedField{Lower: r.Lower(), Upper: r.Upper(), Original: v}
	}
	return out, t
}
