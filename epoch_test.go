package recordlayer

import "testing"

func TestRouteEpochMatchesCurrent(t *testing.T) {
	q := NewDeferredRecordQueue()
	kind, isNext, ok := routeEpoch(2, 2, RecordTypeApplicationData, q)
	assertTrue(t, ok, "current-epoch record should route")
	assertTrue(t, !isNext, "current-epoch record is never next-epoch")
	assertEquals(t, kind, currentWindow)
}

// A record tagged with any epoch other than current or current+1 is
// unconditionally dropped: too far behind (a stale keyspace generation
// the layer no longer holds state for) or too far ahead (a connection
// cannot legitimately be two rekeys ahead of what it has processed).
func TestRouteEpochRejectsEpochsFarFromCurrent(t *testing.T) {
	q := NewDeferredRecordQueue()

	_, _, ok := routeEpoch(5, 3, RecordTypeHandshake, q)
	assertTrue(t, !ok, "an epoch behind current-1 should not route")

	_, _, ok = routeEpoch(5, 7, RecordTypeHandshake, q)
	assertTrue(t, !ok, "an epoch more than one ahead of current should not route")
}

// Application data can never legitimately arrive before its epoch's
// keys are installed (a peer does not send app data ahead of its own
// CCS), so routing it to the next epoch would only serve an attacker
// probing for oracle behavior; only handshake and alert records may be
// buffered ahead of epoch.
func TestRouteEpochRejectsApplicationDataAtNextEpoch(t *testing.T) {
	q := NewDeferredRecordQueue()
	_, _, ok := routeEpoch(2, 3, RecordTypeApplicationData, q)
	assertTrue(t, !ok, "application data at next epoch should not route")
}

func TestRouteEpochRejectsChangeCipherSpecAtNextEpoch(t *testing.T) {
	q := NewDeferredRecordQueue()
	_, _, ok := routeEpoch(2, 3, RecordTypeChangeCipherSpec, q)
	assertTrue(t, !ok, "change_cipher_spec at next epoch should not route")
}

func TestRouteEpochAllowsHandshakeAndAlertAtNextEpoch(t *testing.T) {
	q := NewDeferredRecordQueue()

	kind, isNext, ok := routeEpoch(2, 3, RecordTypeHandshake, q)
	assertTrue(t, ok, "handshake at next epoch should route")
	assertTrue(t, isNext, "handshake at next epoch should be flagged next-epoch")
	assertEquals(t, kind, nextWindow)

	kind, isNext, ok = routeEpoch(2, 3, RecordTypeAlert, q)
	assertTrue(t, ok, "alert at next epoch should route")
	assertTrue(t, isNext, "alert at next epoch should be flagged next-epoch")
	assertEquals(t, kind, nextWindow)
}

// A next-epoch record must not be routed into a queue that still holds
// a stale backlog from a prior epoch generation: accepting it would
// intermix two different "next epoch" priority spaces in one queue.
func TestRouteEpochRejectsStaleBacklogMismatch(t *testing.T) {
	q := NewDeferredRecordQueue()
	assertTrue(t, q.Insert(5, recordHeader{seq: 1}, []byte("stale")), "seed queue with a stale epoch-5 backlog")

	_, _, ok := routeEpoch(2, 3, RecordTypeHandshake, q)
	assertTrue(t, !ok, "next-epoch record should not route while the queue still holds a different epoch's backlog")
}

// Once the stale backlog drains, the queue has no recorded epoch and a
// fresh next-epoch record routes normally.
func TestRouteEpochAllowsNextEpochOnceBacklogDrains(t *testing.T) {
	q := NewDeferredRecordQueue()
	assertTrue(t, q.Insert(3, recordHeader{seq: 1}, []byte("first")), "seed queue with the current next-epoch backlog")
	_, ok := q.PopMin()
	assertTrue(t, ok, "PopMin should drain the seeded item")

	kind, isNext, ok := routeEpoch(2, 3, RecordTypeHandshake, q)
	assertTrue(t, ok, "next-epoch record should route once the backlog has drained")
	assertTrue(t, isNext, "should be flagged next-epoch")
	assertEquals(t, kind, nextWindow)
}
