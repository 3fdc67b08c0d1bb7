package recordlayer

import "testing"

// Scenario: replay rejection — a duplicate sequence number is
// rejected after being accepted once.
func TestReplayWindowRejectsDuplicate(t *testing.T) {
	var w ReplayWindow

	assertEquals(t, w.Check(5), ReplayFresh)
	w.Update(5)
	assertEquals(t, w.Check(5), ReplayDuplicate)
}

// Scenario: window slide — advancing maxSeq by more than windowWidth
// makes old sequence numbers unconditionally stale, even ones never
// seen before.
func TestReplayWindowSlides(t *testing.T) {
	var w ReplayWindow
	w.Update(1000)

	assertEquals(t, w.Check(1000-windowWidth), ReplayStale)
	assertEquals(t, w.Check(1000-windowWidth+1), ReplayFresh)
}

// The window never un-rejects something it has already rejected — once
// Update has recorded seq, Check(seq) is stable at Duplicate for every
// subsequent call regardless of later Updates to higher seqs within
// the window.
func TestReplayWindowMonotone(t *testing.T) {
	var w ReplayWindow
	w.Update(10)
	w.Update(12)
	w.Update(11)

	assertEquals(t, w.Check(10), ReplayDuplicate)
	assertEquals(t, w.Check(11), ReplayDuplicate)
	assertEquals(t, w.Check(12), ReplayDuplicate)
	assertEquals(t, w.Check(13), ReplayFresh)
}

// Exactly windowWidth trailing sequence numbers are trackable; the
// oldest one in range is still checkable, the next one out is
// unconditionally stale.
func TestReplayWindowWidthBoundary(t *testing.T) {
	var w ReplayWindow
	w.Update(windowWidth - 1)

	assertEquals(t, w.Check(0), ReplayFresh)
	w.Update(0)
	assertEquals(t, w.Check(0), ReplayDuplicate)
}

func TestReplayWindowJustOutsideWidthIsStale(t *testing.T) {
	var w ReplayWindow
	w.Update(windowWidth)

	assertEquals(t, w.Check(0), ReplayStale)
}

func TestReplayWindowFreshAtZero(t *testing.T) {
	var w ReplayWindow
	assertEquals(t, w.Check(0), ReplayFresh)
}
