package castle

import (
	"math/rand"
	"sort"
)

// bucketSet groups Items by an arbitrary key while preserving first-seen
// key order, so split/splitL's "pick a random bucket" step is reproducible
// from a seeded PRNG regardless of Go's randomized native map iteration.
type bucketSet struct {
	keys  []any
	items map[any][]*Item
}

func groupBy(contents []*Item, keyFn func(*Item) any) *bucketSet {
	b := &bucketSet{items: make(map[any][]*Item)}
	for _, t := range contents {
		k := keyFn(t)
		if _, ok := b.items[k]; !ok {
			b.keys = append(b.keys, k)
		}
		b.items[k] = append(b.items[k], t)
	}
	return b
}

func (b *bucketSet) len() int { return len(b.keys) }

func (b *bucketSet) total() int {
	n := 0
	for _, k := range b.keys {
		n += len(b.items[k])
	}
	return n
}

func (b *bucketSet) removeKey(key any) {
	delete(b.items, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			return
		}
	}
}

// popRandom removes and returns one random item from the bucket at key,
// dropping the bucket entirely if it becomes empty.
func (b *bucketSet) popRandom(rng *rand.Rand, key any) *Item {
	bucket := b.items[key]
	i := rng.Intn(len(bucket))
	t := bucket[i]
	bucket = append(bucket[:i], bucket[i+1:]...)
	if len(bucket) == 0 {
		b.removeKey(key)
	} else {
		b.items[key] = bucket
	}
	return t
}

// removeItem deletes t from whichever bucket currently holds it, dropping
// the bucket if it becomes empty. A no-op if t is not present.
func (b *bucketSet) removeItem(t *Item) {
	for _, k := range b.keys {
		bucket := b.items[k]
		for i, e := range bucket {
			if e == t {
				bucket = append(bucket[:i], bucket[i+1:]...)
				if len(bucket) == 0 {
					b.removeKey(k)
				} else {
					b.items[k] = bucket
				}
				return
			}
		}
	}
}

// split is the diversity-agnostic reference split: it groups by pid and
// scatters tuples across new clusters seeded by distance, without any
// l-diversity guarantee. output_cluster uses splitL instead; split is
// kept as the building block the published algorithm describes it as.
func split(c *Cluster, global map[string]Range, rng *rand.Rand, k int) []*Cluster {
	buckets := groupBy(c.Contents(), func(t *Item) any { return t.PID() })
	var sc []*Cluster

	for buckets.len() >= k {
		pid := buckets.keys[rng.Intn(buckets.len())]
		seed := buckets.popRandom(rng, pid)

		cnew := NewCluster(c.Headers())
		cnew.Insert(seed)

		var heap []*Item
		for _, key := range buckets.keys {
			if key == pid {
				continue
			}
			bucket := buckets.items[key]
			heap = append(heap, bucket[rng.Intn(len(bucket))])
		}
		sort.SliceStable(heap, func(i, j int) bool {
			return heap[i].Distance(seed, c.Headers()) < heap[j].Distance(seed, c.Headers())
		})
		for _, node := range heap {
			cnew.Insert(node)
			buckets.removeItem(node)
		}
		sc = append(sc, cnew)
	}

	// No seed cluster was ever created (fewer than k buckets to begin
	// with) — there is nowhere to redistribute leftovers into, so the
	// cluster stays whole.
	if len(sc) == 0 {
		return nil
	}

	for _, key := range buckets.keys {
		bucket := buckets.items[key]
		rep := bucket[rng.Intn(len(bucket))]
		nearest := sc[0]
		best := nearest.TupleEnlargement(rep, global)
		for _, cand := range sc[1:] {
			if e := cand.TupleEnlargement(rep, global); e < best {
				best, nearest = e, cand
			}
		}
		for _, t := range bucket {
			nearest.Insert(t)
		}
	}

	return sc
}

// splitL is the l-diversity-preserving split used by output_cluster. It
// groups C's contents by sensitive value and repeatedly seeds a new
// subcluster, topping it up from every remaining bucket in proportion to
// that bucket's share of the remaining tuples, until fewer than l buckets
// or fewer than k tuples remain. Leftovers scatter to the nearest produced
// subcluster by envelope distance.
//
// splitL never mutates Γ; the caller (Engine.outputCluster) is
// responsible for replacing C with the returned subclusters there. The
// published algorithm appends subclusters to Γ but never removes C itself
// — a bug that would leave a stale, already-emptied cluster in Γ forever
// (violating the queue/cluster size invariant). This implementation fixes
// that by construction: C is simply never touched here, so nothing stale
// can be left behind as long as the caller swaps it out.
func splitL(c *Cluster, global map[string]Range, rng *rand.Rand, k, l int) []*Cluster {
	buckets := groupBy(c.Contents(), func(t *Item) any { return t.Sensitive() })
	if buckets.len() < l {
		return []*Cluster{c}
	}

	var sc []*Cluster

	for buckets.len() >= l && buckets.total() >= k {
		key := buckets.keys[rng.Intn(buckets.len())]
		seed := buckets.popRandom(rng, key)

		cnew := NewCluster(c.Headers())
		cnew.Insert(seed)

		var emptied []any
		for _, bk := range append([]any(nil), buckets.keys...) {
			bucket := append([]*Item(nil), buckets.items[bk]...)
			sort.SliceStable(bucket, func(i, j int) bool {
				return c.TupleEnlargement(bucket[i], global) < c.TupleEnlargement(bucket[j], global)
			})

			total := buckets.total()
			chosenCount := int(float64(k) * float64(len(bucket)) / float64(total))
			if chosenCount < 1 {
				chosenCount = 1
			}
			if chosenCount > len(bucket) {
				chosenCount = len(bucket)
			}

			for _, t := range bucket[:chosenCount] {
				cnew.Insert(t)
				buckets.removeItem(t)
			}
			if len(buckets.items[bk]) == 0 {
				emptied = append(emptied, bk)
			}
		}
		for _, bk := range emptied {
			buckets.removeKey(bk)
		}

		sc = append(sc, cnew)
	}

	// Fewer than k tuples total to begin with — nothing to seed a
	// subcluster from, so the cluster is released whole.
	if len(sc) == 0 {
		return []*Cluster{c}
	}

	for _, key := range buckets.keys {
		for _, t := range append([]*Item(nil), buckets.items[key]...) {
			nearest := sc[0]
			best := nearest.Distance(t)
			for _, cand := range sc[1:] {
				if d := cand.Distance(t); d < best {
					best, nearest = d, cand
				}
			}
			nearest.Insert(t)
		}
	}

	return sc
}
