package quota

import (
	"sync/atomic"
	"time"
)

type snapshot struct {
	updatedAt time.Time
	table     Table
}

// lastKnownGood keeps the most recent successfully loaded table.
type lastKnownGood struct {
	v atomic.Value
}

func (l *lastKnownGood) store(updatedAt time.Time, table Table) {
	l.v.Store(snapshot{updatedAt: updatedAt.UTC(), table: table.Clone()})
}

// load returns the stored table, or false when nothing was ever stored.
func (l *lastKnownGood) load() (snapshot, bool) {
	v := l.v.Load()
	snap, ok := v.(snapshot)
	if !ok || snap.table == nil {
		return snapshot{}, false
	}
	return snap, true
}
