// Package storage implements the per-academic-session store that online
// registration requests read and mutate concurrently.
//
// # Overview
//
// A store holds the offerings, courses, students and expectations of one
// academic session together with secondary indexes over course requests:
//
//	┌──────────────────────────────────────────┐
//	│               MemoryStore                │
//	├──────────────────────────────────────────┤
//	│  offerings     id → Offering             │
//	│  courseNames   lower(name) → []Course    │
//	│  students      id → Student → Requests   │
//	│  expectations  offering id → projection  │
//	├──────────────────────────────────────────┤
//	│  by-offering  by-config  by-section      │
//	│  by-course    by-reservation             │
//	└──────────────────────────────────────────┘
//
// Index entries point at the live request objects inside the student
// records, so an enrollment reachable from an index is always reachable from
// its student and vice versa.
//
// # Concurrency and Thread Safety
//
// Locking Strategy:
//   - Read operations use the shared side of one store-wide RWMutex
//   - Write operations use the exclusive side
//   - View and Update run a whole function under one acquisition
//   - Inside Update use the provided Writer; the Store methods would block
//
// Assign and Waitlist remove and re-insert index entries under a single
// exclusive acquisition, so a reader sees either the old or the new state.
//
// The store never takes business-level locks itself. Callers serialize
// conflicting registrations through the locking package and keep the lock
// scope visible in the business operation.
//
// # Not Found
//
// Lookups of missing entities return nil rather than an error. Assign and
// Waitlist return nil when the student no longer holds the request, which
// happens when the student record was replaced concurrently.
//
// # Usage Examples
//
//	store := storage.NewMemoryStore()
//	store.UpdateOffering(offering)
//	store.UpdateStudent(student, true)
//
//	updated := store.Assign(request, enrollment)
//	if updated == nil {
//	    // lost a race with a student reload; nothing to show
//	}
//
//	err := store.Update(func(w storage.Writer) error {
//	    w.RemoveOffering(offeringID, false)
//	    w.UpdateOffering(refreshed)
//	    return nil
//	})
package storage
