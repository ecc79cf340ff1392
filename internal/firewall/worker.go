package firewall

import (
	"context"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/alisamani1378/m1m-guardian/internal/sshx"
)

const (
	pendingCap    = 20000
	drainMax      = 500
	wakeInterval  = 250 * time.Millisecond
	failurePause  = 500 * time.Millisecond
	statsInterval = 30 * time.Second
	warnInterval  = 20 * time.Second

	latencyWindowSize = 1000
)

// pendingBan is one address waiting for batch insertion.
type pendingBan struct {
	addr     netip.Addr
	ttl      time.Duration
	enqueued time.Time
}

// nodeWorker drains one node's pending-ban slot into single remote batch
// commands. The slot deduplicates by address with max-TTL-wins semantics
// and refuses new distinct addresses at capacity; TTL raises on
// already-pending addresses always succeed.
type nodeWorker struct {
	node sshx.Node
	enf  *Enforcer

	mu       sync.Mutex
	pending  map[netip.Addr]pendingBan
	order    []netip.Addr // enqueue order, drives batch order
	lastWarn time.Time
	started  bool

	wake chan struct{}

	latMu            sync.Mutex
	latencies        []float64 // rolling window, seconds
	latNext          int
	lastBatchSize    int
	lastBatchLatency time.Duration
}

func newNodeWorker(node sshx.Node, enf *Enforcer) *nodeWorker {
	return &nodeWorker{
		node:    node,
		enf:     enf,
		pending: make(map[netip.Addr]pendingBan),
		wake:    make(chan struct{}, 1),
	}
}

// schedule adds addr to the pending slot. At capacity only new distinct
// addresses are refused; an address already pending still gets its TTL
// raised.
func (w *nodeWorker) schedule(addr netip.Addr, ttl time.Duration) bool {
	w.mu.Lock()
	if e, ok := w.pending[addr]; ok {
		if ttl > e.ttl {
			e.ttl = ttl
			w.pending[addr] = e
		}
		w.mu.Unlock()
		w.signal()
		return true
	}
	if len(w.pending) >= pendingCap {
		metricPendingOverflow.WithLabelValues(w.node.Name).Inc()
		warn := time.Since(w.lastWarn) >= warnInterval
		if warn {
			w.lastWarn = time.Now()
		}
		w.mu.Unlock()
		if warn {
			slog.Warn("pending-ban slot full, dropping address",
				"node", w.node.Name, "addr", addr, "cap", pendingCap)
		}
		return false
	}
	w.pending[addr] = pendingBan{addr: addr, ttl: ttl, enqueued: time.Now()}
	w.order = append(w.order, addr)
	metricPendingDepth.WithLabelValues(w.node.Name).Set(float64(len(w.pending)))
	w.mu.Unlock()
	w.signal()
	return true
}

func (w *nodeWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// start launches the drain loop once.
func (w *nodeWorker) start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run(ctx)
}

func (w *nodeWorker) run(ctx context.Context) {
	wakeTimer := time.NewTimer(wakeInterval)
	defer wakeTimer.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Pending bans are lost by design: kernel sets keep the TTLs
			// already applied.
			return
		case <-statsTicker.C:
			w.logStats()
			continue
		case <-w.wake:
		case <-wakeTimer.C:
		}
		wakeTimer.Reset(wakeInterval)

		batch := w.drain()
		if len(batch) == 0 {
			continue
		}
		if err := w.submit(ctx, batch); err != nil {
			metricBatchFailures.WithLabelValues(w.node.Name).Inc()
			slog.Warn("ban batch failed, requeueing", "node", w.node.Name,
				"batch", len(batch), "err", err)
			w.requeue(batch)
			if !sleepCtx(ctx, failurePause) {
				return
			}
		}
	}
}

// drain removes up to drainMax entries in enqueue order.
func (w *nodeWorker) drain() []pendingBan {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return nil
	}
	n := len(w.order)
	if n > drainMax {
		n = drainMax
	}
	batch := make([]pendingBan, 0, n)
	for _, addr := range w.order[:n] {
		if e, ok := w.pending[addr]; ok {
			batch = append(batch, e)
			delete(w.pending, addr)
		}
	}
	w.order = append([]netip.Addr(nil), w.order[n:]...)
	metricPendingDepth.WithLabelValues(w.node.Name).Set(float64(len(w.pending)))
	return batch
}

// requeue reinserts a failed batch preserving max-TTL semantics. Entries
// that reappeared in the slot while the batch was in flight keep whichever
// TTL is longer.
func (w *nodeWorker) requeue(batch []pendingBan) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range batch {
		if e, ok := w.pending[b.addr]; ok {
			if b.ttl > e.ttl {
				e.ttl = b.ttl
				w.pending[b.addr] = e
			}
			continue
		}
		if len(w.pending) >= pendingCap {
			metricPendingOverflow.WithLabelValues(w.node.Name).Inc()
			continue
		}
		w.pending[b.addr] = b
		w.order = append(w.order, b.addr)
	}
	metricPendingDepth.WithLabelValues(w.node.Name).Set(float64(len(w.pending)))
}

// submit runs one remote batch command for the node's backend.
func (w *nodeWorker) submit(ctx context.Context, batch []pendingBan) error {
	backend, err := w.enf.backendFor(ctx, w.node)
	if err != nil {
		return err
	}
	if backend == BackendNone {
		// Enforcement disabled; drop the batch rather than spin on it.
		slog.Debug("dropping ban batch, no firewall backend", "node", w.node.Name, "batch", len(batch))
		return nil
	}
	cmd := iptablesBatchCommand(batch)
	if backend == BackendNftables {
		cmd = nftablesBatchCommand(batch)
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	start := time.Now()
	rc, out, err := w.enf.runner.Run(runCtx, w.node, cmd)
	if err != nil || rc != 0 {
		if err != nil {
			return err
		}
		return &batchError{node: w.node.Name, rc: rc, out: firstLine(out)}
	}

	done := time.Now()
	w.recordLatencies(batch, done)
	w.latMu.Lock()
	w.lastBatchSize = len(batch)
	w.lastBatchLatency = done.Sub(start)
	w.latMu.Unlock()
	metricBatchSize.WithLabelValues(w.node.Name).Observe(float64(len(batch)))
	return nil
}

type batchError struct {
	node string
	rc   int
	out  string
}

func (e *batchError) Error() string {
	return "batch command on " + e.node + " exited non-zero: " + e.out
}

// recordLatencies tracks enqueue-to-submit-completion latency per address
// in a rolling window.
func (w *nodeWorker) recordLatencies(batch []pendingBan, done time.Time) {
	w.latMu.Lock()
	defer w.latMu.Unlock()
	for _, b := range batch {
		if b.enqueued.IsZero() {
			continue
		}
		sec := done.Sub(b.enqueued).Seconds()
		metricBanLatency.WithLabelValues(w.node.Name).Observe(sec)
		if len(w.latencies) < latencyWindowSize {
			w.latencies = append(w.latencies, sec)
		} else {
			w.latencies[w.latNext] = sec
			w.latNext = (w.latNext + 1) % latencyWindowSize
		}
	}
}

// p95 computes the 95th percentile of the rolling window.
func (w *nodeWorker) p95() float64 {
	w.latMu.Lock()
	samples := append([]float64(nil), w.latencies...)
	w.latMu.Unlock()
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	idx := int(float64(len(samples))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return samples[idx]
}

func (w *nodeWorker) logStats() {
	w.mu.Lock()
	depth := len(w.pending)
	w.mu.Unlock()
	w.latMu.Lock()
	size := w.lastBatchSize
	last := w.lastBatchLatency
	samples := len(w.latencies)
	w.latMu.Unlock()
	if depth == 0 && samples == 0 {
		return
	}
	slog.Info("firewall worker stats", "node", w.node.Name,
		"pending", depth, "last_batch", size,
		"last_batch_latency", last.Round(time.Millisecond),
		"p95_ban_latency", time.Duration(w.p95()*float64(time.Second)).Round(time.Millisecond))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
