package bloom

// ScanRecord is the minimal view of a store.Record the ScanQueue needs: its
// id (to test against a peer filter) and its created_at (to partition
// recent vs older). Declared locally instead of importing store, so bloom
// stays a leaf package with no dependency on the sync engine it feeds.
type ScanRecord struct {
	EventID   EventID
	CreatedAt int64
}

// Params bundles the ScanQueue's batch-size configuration: how many recent
// and older events to offer a peer per round, the hard cap across both, and
// the recency window used to partition the two.
type Params struct {
	RecencyWindowMS int64
	RecentBatch     int
	OlderBatch      int
	MaxPerRound     int
}

// Queue is the prioritized walk over a device's own log used to decide
// which events to offer a peer each sync round: recent events first
// (newest-first, tested against the peer filter), then older events
// round-robin across rounds via a per-peer cursor.
type Queue struct {
	params Params

	recent []ScanRecord // newest-first
	older  []ScanRecord

	cursors map[string]int // per-peer round-robin cursor into `older`
}

// NewQueue creates an empty ScanQueue with the given batch parameters.
func NewQueue(params Params) *Queue {
	return &Queue{params: params, cursors: make(map[string]int)}
}

// Refresh repartitions records into recent/older relative to now and the
// configured recency window. Called whenever the store has grown since the
// last refresh.
func (q *Queue) Refresh(records []ScanRecord, now int64) {
	cutoff := now - q.params.RecencyWindowMS
	var recent, older []ScanRecord
	for _, r := range records {
		if r.CreatedAt >= cutoff {
			recent = append(recent, r)
		} else {
			older = append(older, r)
		}
	}
	// Newest first within the recent set.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	sortDescByCreatedAt(recent)
	q.recent = recent
	q.older = older
}

func sortDescByCreatedAt(records []ScanRecord) {
	// Small simple insertion sort: ScanQueue batches are bounded in practice
	// (recency window is short), so this avoids pulling in sort for a
	// handful of comparisons while keeping behavior obvious.
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].CreatedAt > records[j-1].CreatedAt; j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

// FilterTester abstracts the peer filter's Test method so ScanQueue does not
// need to import *Filter directly (keeps the call signature in terms of the
// interface a CumulativeBloomFilter or a plain Filter both already satisfy).
type FilterTester interface {
	Test(id EventID) Presence
}

// SelectEventsToSend walks the recent set head-to-tail up to RecentBatch
// entries, then the older set round-robin from peerID's cursor up to
// OlderBatch entries, testing each candidate against peerFilter and
// collecting the ones the peer likely lacks, capped at MaxPerRound total.
func (q *Queue) SelectEventsToSend(peerID string, peerFilter FilterTester) []EventID {
	var out []EventID

	for i := 0; i < len(q.recent) && i < q.params.RecentBatch && len(out) < q.params.MaxPerRound; i++ {
		rec := q.recent[i]
		if peerFilter.Test(rec.EventID) == DefinitelyAbsent {
			out = append(out, rec.EventID)
		}
	}

	if len(q.older) > 0 && len(out) < q.params.MaxPerRound {
		cursor := q.cursors[peerID]
		walked := 0
		for walked < q.params.OlderBatch && len(out) < q.params.MaxPerRound {
			idx := (cursor + walked) % len(q.older)
			rec := q.older[idx]
			if peerFilter.Test(rec.EventID) == DefinitelyAbsent {
				out = append(out, rec.EventID)
			}
			walked++
		}
		q.cursors[peerID] = (cursor + q.params.OlderBatch) % len(q.older)
	}

	return out
}
