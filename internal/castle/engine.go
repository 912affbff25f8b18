package castle

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"castle-stream/internal/dp"
	"castle-stream/internal/logger"
	"castle-stream/internal/metrics"
)

// Sink receives one generalized record per released tuple. Non-quasi
// fields are passed through; each configured header is replaced by a
// GeneralizedField. Sink errors propagate to the caller of Insert.
type Sink func(Output) error

// HistoryStore receives a write-only audit trail of every tuple actually
// released: its pre-generalization row alongside the record the sink
// received. It must never influence release order or engine state —
// history is purely observational.
type HistoryStore interface {
	Record(original Record, released Output) error
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSeed seeds the engine's PRNG for reproducible DP draws, tie-breaks,
// and split decisions.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithRand injects a PRNG directly, for tests that need to share or
// pre-drive a *rand.Rand.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithLogger attaches a structured logger for release/split/suppress
// events.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics attaches a counters/latency sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// WithHistoryStore attaches a write-only audit store for released tuples.
func WithHistoryStore(h HistoryStore) Option {
	return func(e *Engine) { e.history = h }
}

// Engine is the CASTLE clustering and release state machine: Γ (active
// clusters), Ω (retired clusters whose envelopes may still shelter late
// tuples), the global tuple queue, global ranges, and the adaptive loss
// threshold τ. Engine is single-threaded and synchronous by contract —
// Insert runs to completion before the next record is accepted — but
// guards its state with a mutex so a concurrent stream driver can safely
// serialize calls without its own external lock.
type Engine struct {
	mu sync.Mutex

	headers       []string
	sensitiveAttr string
	params        Params
	sink          Sink

	gamma        []*Cluster
	omega        []*Cluster
	globalTuples []*Item
	globalRanges map[string]Range
	sensitive    map[any]struct{} // distinct sensitive values seen across the whole stream

	recentLosses []float64
	tau          float64

	rng     *rand.Rand
	log     *logger.Logger
	met     *metrics.Metrics
	history HistoryStore
}

// NewEngine constructs an Engine over the given sink, quasi-identifier
// headers, sensitive attribute, and parameters. Configuration errors
// (empty headers, empty sensitive attribute, invalid parameters) are
// returned rather than panicking, so a caller loading config from a file
// can report them cleanly.
func NewEngine(sink Sink, headers []string, sensitiveAttr string, params Params, opts ...Option) (*Engine, error) {
	if sink == nil {
		return nil, errConfig("sink must not be nil")
	}
	if len(headers) == 0 {
		return nil, errConfig("at least one quasi-identifier header is required")
	}
	if sensitiveAttr == "" {
		return nil, errConfig("sensitive attribute must not be empty")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	globalRanges := make(map[string]Range, len(headers))
	for _, h := range headers {
		globalRanges[h] = Range{}
	}

	e := &Engine{
		headers:       headers,
		sensitiveAttr: sensitiveAttr,
		params:        params,
		sink:          sink,
		globalRanges:  globalRanges,
		sensitive:     make(map[any]struct{}),
		tau:           math.Inf(1),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Gamma returns the engine's active clusters. The backing slice is owned
// by the engine; callers must not mutate it.
func (e *Engine) Gamma() []*Cluster {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gamma
}

// Omega returns the engine's retired clusters. The backing slice is
// owned by the engine; callers must not mutate it.
func (e *Engine) Omega() []*Cluster {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.omega
}

// QueueLen returns the current length of the global tuple queue.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.globalTuples)
}

// Tau returns the engine's current adaptive loss threshold.
func (e *Engine) Tau() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tau
}

type recordError string

func (e recordError) Error() string { return "castle: record error: " + string(e) }

// validateRecord rejects a record missing pid, the sensitive attribute,
// or a numeric value for any configured header. Validation happens
// before any state mutation so a bad record never partially updates
// global ranges.
func (e *Engine) validateRecord(rec Record) error {
	if _, ok := rec["pid"]; !ok {
		return recordError("missing pid field")
	}
	if _, ok := rec[e.sensitiveAttr]; !ok {
		return recordError(fmt.Sprintf("missing sensitive attribute %q", e.sensitiveAttr))
	}
	for _, h := range e.headers {
		v, ok := rec[h]
		if !ok {
			return recordError(fmt.Sprintf("missing quasi-identifier header %q", h))
		}
		if _, ok := v.(float64); !ok {
			return recordError(fmt.Sprintf("quasi-identifier header %q is not numeric", h))
		}
	}
	return nil
}

// Insert admits one upstream record into the engine: it is optionally
// dropped and perturbed under differential privacy, assigned to a
// cluster via best-selection, appended to the global queue, and — if the
// queue now exceeds δ — forces a release decision on the oldest queued
// tuple via the delay constraint. A record failing validation is
// rejected with an error and the engine state is left untouched; a sink
// error is returned to the caller unchanged.
func (e *Engine) Insert(rec Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		if e.met != nil {
			e.met.RecordInsertLatency(time.Since(start))
		}
	}()

	if err := e.validateRecord(rec); err != nil {
		return err
	}

	if e.params.DP && !dp.Retain(e.rng, e.params.BetaBig) {
		if e.met != nil {
			e.met.InsertsDropped.Add(1)
		}
		if e.log != nil {
			e.log.Debug("insert", "tuple dropped by DP retention gate")
		}
		return nil
	}

	item := NewItem(rec, e.headers, e.sensitiveAttr)

	e.sensitive[item.Sensitive()] = struct{}{}
	for _, h := range e.headers {
		if v, ok := item.Value(h); ok {
			r := e.globalRanges[h]
			r.Update(v)
			e.globalRanges[h] = r
		}
	}

	if e.params.DP {
		for _, h := range e.headers {
			v, ok := item.Value(h)
			if !ok {
				continue
			}
			perturbed := dp.Perturb(e.rng, v, e.globalRanges[h].Width(), e.params.Phi)
			item.setValue(h, perturbed)
		}
	}

	cluster := e.bestSelection(item)
	if cluster == nil {
		cluster = NewCluster(e.headers)
		e.gamma = append(e.gamma, cluster)
		if e.met != nil {
			e.met.ClustersCreated.Add(1)
		}
	}
	cluster.Insert(item)
	e.globalTuples = append(e.globalTuples, item)

	if e.met != nil {
		e.met.InsertsTotal.Add(1)
	}

	var err error
	if len(e.globalTuples) > e.params.Delta {
		err = e.cycle()
	}
	e.updateTau()
	return err
}

// cycle runs the delay constraint on the oldest queued tuple.
func (e *Engine) cycle() error {
	if len(e.globalTuples) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		if e.met != nil {
			e.met.RecordCycleLatency(time.Since(start))
		}
	}()
	return e.delayConstraint(e.globalTuples[0])
}

// bestSelection finds the cluster t should join, or nil if a fresh
// cluster should be created. Ties on minimum tuple_enlargement are
// broken uniformly at random via the engine's PRNG.
func (e *Engine) bestSelection(t *Item) *Cluster {
	if len(e.gamma) == 0 {
		return nil
	}

	enlargements := make([]float64, len(e.gamma))
	minE := math.Inf(1)
	for i, c := range e.gamma {
		en := c.TupleEnlargement(t, e.globalRanges)
		enlargements[i] = en
		if en < minE {
			minE = en
		}
	}

	var setCmin []*Cluster
	for i, c := range e.gamma {
		if enlargements[i] == minE {
			setCmin = append(setCmin, c)
		}
	}

	var setCok []*Cluster
	for _, c := range setCmin {
		if c.InformationLossGivenT(t, e.globalRanges) <= e.tau {
			setCok = append(setCok, c)
		}
	}

	switch {
	case len(setCok) > 0:
		return setCok[e.rng.Intn(len(setCok))]
	case len(e.gamma) >= e.params.Beta:
		return setCmin[e.rng.Intn(len(setCmin))]
	default:
		return nil
	}
}

// updateTau recomputes τ from recent_losses if any are recorded,
// otherwise from a random sample of up to 5 active clusters (sampled
// with replacement, matching the published algorithm), otherwise +∞.
func (e *Engine) updateTau() {
	if len(e.recentLosses) > 0 {
		var sum float64
		for _, l := range e.recentLosses {
			sum += l
		}
		e.tau = sum / float64(len(e.recentLosses))
		return
	}
	if len(e.gamma) > 0 {
		sampleSize := 5
		if len(e.gamma) < sampleSize {
			sampleSize = len(e.gamma)
		}
		var total float64
		for i := 0; i < sampleSize; i++ {
			c := e.gamma[e.rng.Intn(len(e.gamma))]
			total += c.InformationLoss(e.globalRanges)
		}
		e.tau = total / float64(sampleSize)
		return
	}
	e.tau = math.Inf(1)
}

// delayConstraint decides whether to output, shelter under Ω, suppress,
// or merge-and-output the cluster holding t.
func (e *Engine) delayConstraint(t *Item) error {
	c := t.Parent()

	if c.Len() >= e.params.K && c.DiversityCount() > e.params.L {
		return e.outputCluster(c)
	}

	var kc []*Cluster
	for _, oc := range e.omega {
		if oc.WithinBounds(t) {
			kc = append(kc, oc)
		}
	}
	if len(kc) > 0 {
		chosen := kc[e.rng.Intn(len(kc))]
		gen, orig := chosen.Generalise(t)
		raw := orig.Raw()
		e.suppress(orig)
		if e.met != nil {
			e.met.OmegaShelterHits.Add(1)
		}
		if e.history != nil {
			if err := e.history.Record(raw, gen); err != nil && e.log != nil {
				e.log.Warnf("history", "record failed: %v", err)
			}
		}
		return e.emit(gen)
	}

	m := 0
	for _, gc := range e.gamma {
		if c.Len() < gc.Len() {
			m++
		}
	}
	if float64(m) > float64(len(e.gamma))/2 {
		e.suppress(t)
		return nil
	}

	pids := make(map[any]struct{})
	for _, item := range e.globalTuples {
		pids[item.PID()] = struct{}{}
	}
	diversity := make(map[any]struct{})
	for _, gc := range e.gamma {
		for sv := range gc.Diversity() {
			diversity[sv] = struct{}{}
		}
	}
	if len(pids) < e.params.K || len(diversity) < e.params.L {
		e.suppress(t)
		return nil
	}

	mc := e.mergeClusters(c)
	return e.outputCluster(mc)
}

// suppress drops t with no output: removed from the global queue and
// its cluster; if the cluster becomes empty it is removed from Γ.
func (e *Engine) suppress(t *Item) {
	for i, item := range e.globalTuples {
		if item == t {
			e.globalTuples = append(e.globalTuples[:i], e.globalTuples[i+1:]...)
			break
		}
	}
	parent := t.Parent()
	parent.Remove(t)
	if parent.Len() == 0 {
		e.removeFromGamma(parent)
	}
	if e.met != nil {
		e.met.TuplesSuppressed.Add(1)
	}
	if e.log != nil {
		e.log.Debug("suppress", "tuple suppressed with no output")
	}
}

// outputCluster releases c: if it is large and diverse enough it is
// first divided by splitL, otherwise it is released whole. Each
// subcluster's tuples are generalized, emitted, and suppressed in turn;
// once empty the subcluster's loss feeds recent_losses and it retires
// into Ω.
func (e *Engine) outputCluster(c *Cluster) error {
	var subclusters []*Cluster
	if c.Len() >= 2*e.params.K && c.DiversityCount() >= e.params.L {
		subclusters = splitL(c, e.globalRanges, e.rng, e.params.K, e.params.L)
	} else {
		subclusters = []*Cluster{c}
	}

	didSplit := !(len(subclusters) == 1 && subclusters[0] == c)
	if didSplit {
		e.removeFromGamma(c)
		e.gamma = append(e.gamma, subclusters...)
		if e.met != nil {
			e.met.ClustersSplit.Add(1)
		}
	}

	for _, sc := range subclusters {
		outPids := make(map[any]struct{})
		outDiversity := make(map[any]struct{})
		preCount := sc.Len()

		for _, t := range append([]*Item(nil), sc.Contents()...) {
			gen, orig := sc.Generalise(t)
			raw := orig.Raw()
			outPids[t.PID()] = struct{}{}
			outDiversity[t.Sensitive()] = struct{}{}

			e.suppress(orig)

			if e.history != nil {
				if err := e.history.Record(raw, gen); err != nil && e.log != nil {
					e.log.Warnf("history", "record failed: %v", err)
				}
			}
			if err := e.emit(gen); err != nil {
				if e.met != nil {
					e.met.SinkErrors.Add(1)
				}
				return err
			}
		}

		loss := sc.InformationLoss(e.globalRanges)
		e.recentLosses = append(e.recentLosses, loss)
		if len(e.recentLosses) > e.params.Mu {
			e.recentLosses = e.recentLosses[1:]
		}
		e.updateTau()

		if len(outPids) < e.params.K {
			panic(fmt.Sprintf("castle: invariant violation: released %d pids, want >= %d", len(outPids), e.params.K))
		}
		if len(outDiversity) < e.params.L {
			panic(fmt.Sprintf("castle: invariant violation: released %d distinct sensitive values, want >= %d", len(outDiversity), e.params.L))
		}
		if sc.Len() != 0 {
			panic(fmt.Sprintf("castle: invariant violation: released cluster still has %d residents", sc.Len()))
		}

		e.omega = append(e.omega, sc)
		if e.met != nil {
			e.met.TuplesOutput.Add(int64(preCount))
		}
		if e.log != nil {
			e.log.Infof("release", "cluster released: pids=%d diversity=%d loss=%.4f", len(outPids), len(outDiversity), loss)
		}
	}
	return nil
}

// mergeClusters absorbs other active clusters into c, by least cluster
// enlargement, until c satisfies both k-anonymity and l-diversity.
func (e *Engine) mergeClusters(c *Cluster) *Cluster {
	for c.Len() < e.params.K || c.DiversityCount() < e.params.L {
		var best *Cluster
		bestE := math.Inf(1)
		for _, cand := range e.gamma {
			if cand == c {
				continue
			}
			if en := c.ClusterEnlargement(cand, e.globalRanges); en < bestE {
				bestE, best = en, cand
			}
		}
		if best == nil {
			panic("castle: merge_clusters exhausted Γ before satisfying k/l — unreachable given the delay constraint's pre-check")
		}
		for _, t := range append([]*Item(nil), best.Contents()...) {
			c.Insert(t)
		}
		e.removeFromGamma(best)
		if e.met != nil {
			e.met.ClustersMerged.Add(1)
		}
	}
	return c
}

func (e *Engine) removeFromGamma(target *Cluster) {
	for i, c := range e.gamma {
		if c == target {
			e.gamma = append(e.gamma[:i], e.gamma[i+1:]...)
			return
		}
	}
}

func (e *Engine) emit(gen Output) error {
	return e.sink(gen)
}
