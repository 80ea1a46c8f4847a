package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps leases in memory for manager tests; the sqlite-backed
// implementation is covered in internal/records.
type fakeStore struct {
	leases map[string]Lease
}

func newFakeStore(resources ...string) *fakeStore {
	fs := &fakeStore{leases: make(map[string]Lease)}
	for _, id := range resources {
		fs.leases[id] = Lease{}
	}
	return fs
}

func (f *fakeStore) Lease(id string) (Lease, error) {
	l, ok := f.leases[id]
	if !ok {
		return Lease{}, errNoResource
	}
	return l, nil
}

func (f *fakeStore) SetLease(id string, l Lease) error {
	if _, ok := f.leases[id]; !ok {
		return errNoResource
	}
	f.leases[id] = l
	return nil
}

func (f *fakeStore) ClearLease(id string) error {
	if _, ok := f.leases[id]; !ok {
		return errNoResource
	}
	f.leases[id] = Lease{}
	return nil
}

var errNoResource = assert.AnError

const ttl = 15 * time.Minute

var (
	alice = Identity{ID: "alice"}
	bob   = Identity{ID: "bob"}
	root  = Identity{ID: "root", Privileged: true}
	admin = Identity{ID: "admin", Privileged: true}
)

func newTestManager(resources ...string) (*Manager, *fakeStore, *time.Time) {
	fs := newFakeStore(resources...)
	m := NewManager(fs, ttl)
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, fs, &now
}

func TestAcquireFreeResource(t *testing.T) {
	m, fs, _ := newTestManager("r1")

	res, err := m.Acquire("r1", alice)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, "alice", res.Holder)
	assert.Equal(t, "alice", fs.leases["r1"].Holder)
}

func TestReacquireRefreshesTimestamp(t *testing.T) {
	m, fs, now := newTestManager("r1")

	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)
	first := fs.leases["r1"].AcquiredAt

	*now = now.Add(5 * time.Minute)
	res, err := m.Acquire("r1", alice)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.True(t, fs.leases["r1"].AcquiredAt.After(first))
}

func TestAcquireHeldByStandardRejectsStandard(t *testing.T) {
	m, _, _ := newTestManager("r1")
	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)

	_, err = m.Acquire("r1", bob)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "alice", locked.Holder)
}

func TestPrivilegedObservesStandardHolderReadOnly(t *testing.T) {
	m, fs, _ := newTestManager("r1")
	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)

	res, err := m.Acquire("r1", root)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.True(t, res.ReadOnly)
	assert.Equal(t, "alice", res.Holder)
	// The lease stays with the standard holder.
	assert.Equal(t, "alice", fs.leases["r1"].Holder)
}

func TestAcquireHeldByPrivilegedRejectsEveryoneElse(t *testing.T) {
	m, _, _ := newTestManager("r1")
	_, err := m.Acquire("r1", root)
	require.NoError(t, err)

	var locked *LockedError
	_, err = m.Acquire("r1", bob)
	require.ErrorAs(t, err, &locked)

	_, err = m.Acquire("r1", admin)
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "root", locked.Holder)
}

func TestAcquireExpiredLeaseTransfers(t *testing.T) {
	m, fs, now := newTestManager("r1")
	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)

	*now = now.Add(16 * time.Minute)
	res, err := m.Acquire("r1", bob)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, "bob", fs.leases["r1"].Holder)
}

func TestCheckWriteBlockedWithinTTL(t *testing.T) {
	m, fs, now := newTestManager("r1")
	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)

	*now = now.Add(14 * time.Minute)
	err = m.CheckWrite("r1", bob)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "alice", locked.Holder)

	// After 16 minutes of inactivity the write goes through; the lease
	// transfers only once the mutation lands and Touch runs.
	*now = now.Add(2 * time.Minute)
	require.NoError(t, m.CheckWrite("r1", bob))
	assert.Equal(t, "alice", fs.leases["r1"].Holder)
	require.NoError(t, m.Touch("r1", bob))
	assert.Equal(t, "bob", fs.leases["r1"].Holder)
}

func TestCheckWriteDoesNotTakeLease(t *testing.T) {
	m, fs, _ := newTestManager("r1")

	// A permitted write on a free resource leaves it free until Touch: a
	// write that fails after the check must not leave the writer holding
	// the lease.
	require.NoError(t, m.CheckWrite("r1", alice))
	assert.Empty(t, fs.leases["r1"].Holder)
}

func TestTouchRefreshesSelfHeldLease(t *testing.T) {
	m, fs, now := newTestManager("r1")
	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)

	*now = now.Add(10 * time.Minute)
	require.NoError(t, m.CheckWrite("r1", alice))
	require.NoError(t, m.Touch("r1", alice))
	assert.Equal(t, *now, fs.leases["r1"].AcquiredAt)
	assert.Equal(t, "alice", fs.leases["r1"].Holder)
}

func TestCheckWriteStandardHolderBlocksPrivileged(t *testing.T) {
	m, fs, _ := newTestManager("r1")
	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)

	err = m.CheckWrite("r1", root)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "alice", locked.Holder)
	assert.Equal(t, "alice", fs.leases["r1"].Holder)
}

func TestCheckWritePrivilegedHolder(t *testing.T) {
	m, fs, _ := newTestManager("r1")
	_, err := m.Acquire("r1", root)
	require.NoError(t, err)

	// Standard writers stay blocked.
	err = m.CheckWrite("r1", alice)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)

	// Another privileged identity may write over a privileged holder; the
	// lease follows the write, not the check.
	require.NoError(t, m.CheckWrite("r1", admin))
	assert.Equal(t, "root", fs.leases["r1"].Holder)
	require.NoError(t, m.Touch("r1", admin))
	assert.Equal(t, "admin", fs.leases["r1"].Holder)
}

func TestReleaseRules(t *testing.T) {
	m, fs, _ := newTestManager("r1", "r2")

	// Releasing a free resource is a no-op.
	require.NoError(t, m.Release("r1", alice))

	_, err := m.Acquire("r1", alice)
	require.NoError(t, err)

	// Another standard identity may not release it.
	err = m.Release("r1", bob)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)

	// Privileged may release anyone's lease.
	require.NoError(t, m.Release("r1", root))
	assert.Empty(t, fs.leases["r1"].Holder)

	// The holder releases its own.
	_, err = m.Acquire("r2", bob)
	require.NoError(t, err)
	require.NoError(t, m.Release("r2", bob))
	assert.Empty(t, fs.leases["r2"].Holder)
}

func TestStoreErrorsPropagate(t *testing.T) {
	m, _, _ := newTestManager()

	_, err := m.Acquire("ghost", alice)
	assert.Error(t, err)
	assert.Error(t, m.CheckWrite("ghost", alice))
	assert.Error(t, m.Release("ghost", alice))
}
