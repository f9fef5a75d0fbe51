package state

// RollWatcher surfaces each roll event at most once. The server leaves a
// roll_event in the document until the next narrative turn clears it, so
// the same record can ride along through several updates; the watcher
// keeps the last observed id and only reports a change.
type RollWatcher struct {
	lastID string
}

func NewRollWatcher() *RollWatcher {
	return &RollWatcher{}
}

// Observe inspects the document after a successful store update. It
// returns the event and true exactly when the document carries a roll
// event whose id differs from the previous observation.
func (w *RollWatcher) Observe(doc Document) (RollEvent, bool) {
	if doc.RollEvent == nil {
		return RollEvent{}, false
	}
	if doc.RollEvent.ID == w.lastID {
		return RollEvent{}, false
	}
	w.lastID = doc.RollEvent.ID
	return *doc.RollEvent, true
}
