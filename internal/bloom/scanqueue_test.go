package bloom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// emptyFilter always reports DefinitelyAbsent, simulating a peer that has
// nothing yet.
type emptyFilter struct{}

func (emptyFilter) Test(EventID) Presence { return DefinitelyAbsent }

func recordsWithIDs(n int, createdAtBase int64) []ScanRecord {
	out := make([]ScanRecord, n)
	for i := 0; i < n; i++ {
		var id EventID
		id[0] = byte(i)
		id[1] = byte(i >> 8)
		out[i] = ScanRecord{EventID: id, CreatedAt: createdAtBase + int64(i)}
	}
	return out
}

func TestScanQueue_RecentSetPrioritizedNewestFirst(t *testing.T) {
	q := NewQueue(Params{RecencyWindowMS: 60_000, RecentBatch: 10, OlderBatch: 5, MaxPerRound: 20})
	records := recordsWithIDs(3, 100)
	q.Refresh(records, 1000) // all within recency window

	out := q.SelectEventsToSend("peer-1", emptyFilter{})
	require.Len(t, out, 3)
	// Newest first: record 2 (CreatedAt 102) before record 0 (CreatedAt 100).
	require.Equal(t, records[2].EventID, out[0])
	require.Equal(t, records[0].EventID, out[2])
}

func TestScanQueue_FreshEventInRecentSetIsSentWithinOneRound(t *testing.T) {
	q := NewQueue(Params{RecencyWindowMS: 60_000, RecentBatch: 10, OlderBatch: 5, MaxPerRound: 20})
	now := int64(100_000)
	fresh := ScanRecord{EventID: idFor("fresh-event"), CreatedAt: now}
	q.Refresh([]ScanRecord{fresh}, now)

	out := q.SelectEventsToSend("peer-1", emptyFilter{})
	require.Contains(t, out, fresh.EventID)
}

func TestScanQueue_OlderSetRoundRobinVisitsDisjointWindows(t *testing.T) {
	q := NewQueue(Params{RecencyWindowMS: 0, RecentBatch: 10, OlderBatch: 5, MaxPerRound: 100})
	records := recordsWithIDs(100, 0)
	q.Refresh(records, 1_000_000) // recency window 0 => everything is "older"

	seen := map[EventID]int{}
	for round := 0; round < 5; round++ {
		out := q.SelectEventsToSend("peer-1", emptyFilter{})
		require.Len(t, out, 5)
		for _, id := range out {
			seen[id]++
		}
	}
	require.Len(t, seen, 25, "5 rounds of 5 disjoint older-set entries should cover 25 distinct ids")
	for id, count := range seen {
		require.Equalf(t, 1, count, "id %v seen more than once across disjoint rounds", id)
	}
}

func TestScanQueue_NeverExceedsMaxPerRound(t *testing.T) {
	q := NewQueue(Params{RecencyWindowMS: 60_000, RecentBatch: 10, OlderBatch: 5, MaxPerRound: 3})
	records := recordsWithIDs(10, 100)
	q.Refresh(records, 1000)

	out := q.SelectEventsToSend("peer-1", emptyFilter{})
	require.LessOrEqual(t, len(out), 3)
}

func TestScanQueue_OlderCursorAdvancesIndependentlyPerPeer(t *testing.T) {
	q := NewQueue(Params{RecencyWindowMS: 0, RecentBatch: 0, OlderBatch: 5, MaxPerRound: 100})
	records := recordsWithIDs(20, 0)
	q.Refresh(records, 1_000_000)

	firstA := q.SelectEventsToSend("peer-a", emptyFilter{})
	firstB := q.SelectEventsToSend("peer-b", emptyFilter{})
	require.Equal(t, firstA, firstB, "both peers start at cursor 0")

	secondA := q.SelectEventsToSend("peer-a", emptyFilter{})
	require.NotEqual(t, firstA, secondA)
}
