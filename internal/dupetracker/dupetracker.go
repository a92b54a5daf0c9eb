// Package dupetracker implements the duplicate-download limiter: a
// fixed-capacity table counting active downloads per (client-address,
// request-URI) fingerprint, guarded by the cross-process
// mutex. The original C server kept this table in a named POSIX shared
// memory segment so every forked process could see it; here it is an
// in-process slot array, since all connections are handled by goroutines
// in one process. Liveness of the owner recorded in a slot is answered by
// internal/liveness instead of kill(pid, 0).
package dupetracker

import (
	"context"
	"crypto/sha1"
	"fmt"

	"github.com/bwoffload/offloadd/internal/liveness"
	"github.com/bwoffload/offloadd/internal/procmutex"
)

// MaxSlots matches the original server's MAX_DOWNLOAD_RECORDS: enough
// concurrent downloads to track without a dynamically growing table, and
// a value high enough that exhausting it in practice is not a concern.
const MaxSlots = 512

type slot struct {
	owner  string
	digest [20]byte
}

// Tracker is the shared-memory-equivalent dupe table, guarded by mu.
type Tracker struct {
	mu    *procmutex.Mutex
	alive *liveness.Registry
	limit int

	slots [MaxSlots]slot
}

// New returns a Tracker admitting at most limit concurrent downloads per
// fingerprint. limit == 0 disables the check entirely (Admit always
// succeeds).
func New(mu *procmutex.Mutex, alive *liveness.Registry, limit int) *Tracker {
	return &Tracker{mu: mu, alive: alive, limit: limit}
}

func fingerprint(remote, uri string) [20]byte {
	h := sha1.New()
	h.Write([]byte(remote))
	h.Write([]byte{0})
	h.Write([]byte(uri))
	h.Write([]byte{0})
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Admit tries to reserve a slot for (remote, uri) under owner's identity.
// It returns the reserved slot index and true on success. On rejection
// (too many live duplicates already hold this fingerprint) it returns
// false. ctx must carry a procmutex owner token (see procmutex.WithOwner).
func (t *Tracker) Admit(ctx context.Context, owner, remote, uri string) (int, bool, error) {
	if t.limit <= 0 {
		return -1, true, nil
	}

	if err := t.mu.Acquire(ctx); err != nil {
		return -1, false, err
	}
	defer t.mu.Release(ctx)

	digest := fingerprint(remote, uri)

	dupes := 0
	free := -1
	for i := range t.slots {
		s := &t.slots[i]
		if s.owner == "" {
			if free == -1 {
				free = i
			}
			continue
		}
		if s.digest != digest {
			continue
		}
		if s.owner == owner || !t.alive.Alive(s.owner) {
			// Stale or self; reclaim this slot.
			s.owner = ""
			if free == -1 {
				free = i
			}
			continue
		}
		dupes++
	}

	if dupes >= t.limit {
		return -1, false, nil
	}
	if free == -1 {
		// No free slot: the C server's behavior is to let the download
		// through uncounted rather than fail the request.
		return -1, true, nil
	}

	t.slots[free] = slot{owner: owner, digest: digest}
	return free, true, nil
}

// Release frees the slot reserved by a prior Admit call. slot == -1 is a
// no-op (Admit either disabled the check or ran out of table space).
func (t *Tracker) Release(ctx context.Context, slotIdx int) error {
	if slotIdx < 0 {
		return nil
	}
	if err := t.mu.Acquire(ctx); err != nil {
		return err
	}
	defer t.mu.Release(ctx)

	t.slots[slotIdx].owner = ""
	return nil
}

// ForbiddenBody is the explanatory 403 body for a rejected admission,
// matching the original server's DUPE_FORBID_TEXT.
func ForbiddenBody(serverIdent string) string {
	return fmt.Sprintf(
		"403 Forbidden - %s\n\n"+
			"Your network address has too many connections for this specific file.\n"+
			"Please disable any 'download accelerators' and try again.\n",
		serverIdent)
}
