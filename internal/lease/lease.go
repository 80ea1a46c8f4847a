// Package lease arbitrates exclusive edit access to a shared record via a
// time-boxed lease. Expiry is computed lazily from the stored timestamp on
// every access; there is no background sweeper.
package lease

import (
	"fmt"
	"time"
)

// Identity is the caller presented by the authentication layer: an opaque
// id plus its class. Privileged identities get visibility into standard
// users' sessions but must never silently overwrite them.
type Identity struct {
	ID         string
	Privileged bool
}

// Lease is the claim attached to a record. A zero Holder means the record
// was never leased; an expired timestamp means the lease is logically free
// even though the fields are still populated.
type Lease struct {
	Holder           string
	HolderPrivileged bool
	AcquiredAt       time.Time
}

// ActiveAt reports whether the lease still excludes other writers at now.
func (l Lease) ActiveAt(now time.Time, ttl time.Duration) bool {
	return l.Holder != "" && l.AcquiredAt.After(now.Add(-ttl))
}

// Store persists lease state alongside the record it guards.
type Store interface {
	Lease(resourceID string) (Lease, error)
	SetLease(resourceID string, l Lease) error
	ClearLease(resourceID string) error
}

// LockedError rejects an acquire, write or release blocked by another
// identity's active lease. It names the holder so the caller can decide to
// wait or retry.
type LockedError struct {
	Holder string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("record locked by %s", e.Holder)
}

// AcquireResult reports the outcome of an acquire. Granted and ReadOnly
// are mutually exclusive: ReadOnly means a privileged caller may observe a
// standard holder's session but did not take the lease.
type AcquireResult struct {
	Granted  bool   `json:"granted"`
	ReadOnly bool   `json:"read_only"`
	Holder   string `json:"holder"`
}

// Manager applies the acquire/write/release rules over a lease store.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a lease manager with the given TTL.
func NewManager(store Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// Acquire takes or refreshes the lease on a resource.
//
// Free resources and re-acquires by the current holder succeed. A
// privileged caller facing a standard holder's active lease is not
// rejected: the call succeeds read-only and the lease stays with the
// holder. Every other contended case is a locked conflict.
func (m *Manager) Acquire(resourceID string, who Identity) (AcquireResult, error) {
	l, err := m.store.Lease(resourceID)
	if err != nil {
		return AcquireResult{}, err
	}

	now := m.now()
	if !l.ActiveAt(now, m.ttl) || l.Holder == who.ID {
		if err := m.grant(resourceID, who, now); err != nil {
			return AcquireResult{}, err
		}
		return AcquireResult{Granted: true, Holder: who.ID}, nil
	}

	if !l.HolderPrivileged && who.Privileged {
		return AcquireResult{ReadOnly: true, Holder: l.Holder}, nil
	}
	return AcquireResult{}, &LockedError{Holder: l.Holder}
}

// CheckWrite is invoked before any mutation of the resource and does not
// change lease state: the lease transfers only once the mutation succeeds,
// via Touch, so a rejected write cannot walk away with the lease. A free
// or self-held lease lets the write proceed. An active lease held by a
// standard identity blocks everyone else; one held by a privileged
// identity blocks standard callers only.
func (m *Manager) CheckWrite(resourceID string, who Identity) error {
	l, err := m.store.Lease(resourceID)
	if err != nil {
		return err
	}

	if !l.ActiveAt(m.now(), m.ttl) || l.Holder == who.ID {
		return nil
	}
	if !l.HolderPrivileged || !who.Privileged {
		return &LockedError{Holder: l.Holder}
	}
	return nil
}

// Touch records a successful mutation: the writer takes or refreshes the
// lease. Callers run CheckWrite first; Touch itself does not arbitrate.
func (m *Manager) Touch(resourceID string, who Identity) error {
	return m.grant(resourceID, who, m.now())
}

// Release frees the lease. Releasing a free resource is a no-op.
// Privileged callers may release anyone's lease; standard callers only
// their own.
func (m *Manager) Release(resourceID string, who Identity) error {
	l, err := m.store.Lease(resourceID)
	if err != nil {
		return err
	}

	if !l.ActiveAt(m.now(), m.ttl) {
		return nil
	}
	if !who.Privileged && l.Holder != who.ID {
		return &LockedError{Holder: l.Holder}
	}
	return m.store.ClearLease(resourceID)
}

func (m *Manager) grant(resourceID string, who Identity, now time.Time) error {
	return m.store.SetLease(resourceID, Lease{
		Holder:           who.ID,
		HolderPrivileged: who.Privileged,
		AcquiredAt:       now,
	})
}
