package rpg

import (
	"log/slog"
	"sync"
	"time"
)

// usageRecord is one accepted request's token cost, ordered by timestamp
// so eviction can pop from the front of the slice.
type usageRecord struct {
	timestamp time.Time
	tokens    int
}

// quotaManager is a per-key sliding-window RPM/TPM budget tracker. The
// window self-replenishes as old records age out; no background timer
// is required since eviction happens lazily on every read or write.
type quotaManager struct {
	providerID string
	keyIndex   int
	rpmLimit   int
	tpmLimit   int
	window     time.Duration
	warningThr float64
	now        func() time.Time
	logger     *slog.Logger

	mu             sync.Mutex
	records        []usageRecord
	warningEmitted bool
}

func newQuotaManager(providerID string, keyIndex, rpmLimit, tpmLimit int, window time.Duration, now func() time.Time, logger *slog.Logger) *quotaManager {
	if window <= 0 {
		window = 60 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &quotaManager{
		providerID: providerID,
		keyIndex:   keyIndex,
		rpmLimit:   rpmLimit,
		tpmLimit:   tpmLimit,
		window:     window,
		warningThr: 0.90,
		now:        now,
		logger:     logger,
	}
}

// canAccept reports whether a request estimated to cost estimatedTokens
// would fit within both the RPM and TPM budgets. A zero limit means
// unlimited for that dimension.
func (q *quotaManager) canAccept(estimatedTokens int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evict(q.now())

	if q.rpmLimit > 0 && len(q.records) >= q.rpmLimit {
		return false
	}

	if q.tpmLimit > 0 {
		used := 0
		for _, r := range q.records {
			used += r.tokens
		}
		if used+estimatedTokens > q.tpmLimit {
			return false
		}
	}

	return true
}

// recordUsage appends an accepted request's token cost and checks
// whether a quota warning should fire.
func (q *quotaManager) recordUsage(tokens int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.records = append(q.records, usageRecord{timestamp: now, tokens: tokens})
	q.evict(now)
	q.checkWarning()
}

// remainingPct returns the RPM budget remaining, as a percentage.
// Always 100 when RPM is unlimited.
func (q *quotaManager) remainingPct() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evict(q.now())
	if q.rpmLimit <= 0 {
		return 100.0
	}
	used := float64(len(q.records))
	remaining := (1.0 - used/float64(q.rpmLimit)) * 100
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// reset force-clears all recorded usage, used by the admin reset API.
func (q *quotaManager) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = nil
	q.warningEmitted = false
}

// evict drops records outside the sliding window and clears the
// warning-emitted flag once usage has dropped back under the
// threshold. Caller must hold q.mu.
func (q *quotaManager) evict(now time.Time) {
	cutoff := now.Add(-q.window)
	i := 0
	for i < len(q.records) && q.records[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		q.records = q.records[i:]
	}
	if q.rpmLimit > 0 && float64(len(q.records))/float64(q.rpmLimit) < q.warningThr {
		q.warningEmitted = false
	}
}

// checkWarning emits a single warning log the first time usage crosses
// warningThr, until the window drops back below it. Caller must hold q.mu.
func (q *quotaManager) checkWarning() {
	if q.rpmLimit <= 0 || q.warningEmitted {
		return
	}
	usagePct := float64(len(q.records)) / float64(q.rpmLimit)
	if usagePct >= q.warningThr {
		q.warningEmitted = true
		if q.logger != nil {
			q.logger.Warn("quota approaching limit",
				"provider", q.providerID, "key_index", q.keyIndex,
				"usage_pct", usagePct*100, "requests_used", len(q.records), "rpm_limit", q.rpmLimit)
		}
	}
}
