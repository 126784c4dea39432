package spool

import (
	"log"
)

// EnforceReport describes one run of the retention policy.
type EnforceReport struct {
	Deleted []string // keys removed, oldest first
	Freed   int64    // bytes removed
	Size    int64    // total size afterwards
	Starved bool     // still over the ceiling with nothing left to remove
}

// Enforce deletes the oldest entries which are not Pending until the total
// size of the spool is no more than ceiling bytes. Pending entries are never
// touched, so the spool may stay over the ceiling. That case is reported as
// Starved and logged. A ceiling <= 0 turns retention off.
//
// The total used is the index's own, not a fresh walk of the store.
func (x *Index) Enforce(ceiling int64) EnforceReport {
	x.m.Lock()
	defer x.m.Unlock()

	var report EnforceReport
	if ceiling <= 0 {
		report.Size = x.size
		return report
	}
	var next = x.order.Front()
	for x.size > ceiling && next != nil {
		e := next
		next = e.Next()
		a := e.Value.(*Artifact)
		if a.State == Pending {
			continue
		}
		err := x.s.Delete(a.Key)
		if err != nil {
			log.Printf("retention: could not delete %s: %s", a.Key, err)
			continue
		}
		log.Printf("retention: deleted %s (%d bytes)", a.Key, a.Size)
		report.Deleted = append(report.Deleted, a.Key)
		report.Freed += a.Size
		x.unlink(e)
	}
	report.Size = x.size
	if x.size > ceiling {
		report.Starved = true
		log.Printf("retention: WARNING spool is %d bytes, over the ceiling of %d, with %d pending artifacts and nothing deletable",
			x.size, ceiling, x.pending)
	}
	return report
}
