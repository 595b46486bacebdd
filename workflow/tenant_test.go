package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTenantManager(t *testing.T, store *Store, maxActive int) *TenantManager {
	t.Helper()
	return NewTenantManager(store, maxActive, zaptest.NewLogger(t).Sugar())
}

// acquireAsync runs AcquireUserSlot in a goroutine and reports admission
// on the returned channel
func acquireAsync(tm *TenantManager, userID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		tm.AcquireUserSlot(userID)
		close(done)
	}()
	return done
}

func assertAdmitted(t *testing.T, done <-chan struct{}, userID string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("user %s was not admitted in time", userID)
	}
}

func assertBlocked(t *testing.T, done <-chan struct{}, userID string) {
	t.Helper()
	select {
	case <-done:
		t.Fatalf("user %s should still be queued", userID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTenantManager_AdmitsUpToCap(t *testing.T) {
	tm := newTestTenantManager(t, NewStore(), 2)

	assertAdmitted(t, acquireAsync(tm, "alice"), "alice")
	assertAdmitted(t, acquireAsync(tm, "bob"), "bob")
	assert.Equal(t, 2, tm.ActiveCount())
}

func TestTenantManager_AcquireIsIdempotentForActiveUser(t *testing.T) {
	tm := newTestTenantManager(t, NewStore(), 1)

	assertAdmitted(t, acquireAsync(tm, "alice"), "alice")
	assertAdmitted(t, acquireAsync(tm, "alice"), "alice")
	assert.Equal(t, 1, tm.ActiveCount())
}

func TestTenantManager_ThirdUserWaitsForRelease(t *testing.T) {
	tm := newTestTenantManager(t, NewStore(), 2)

	assertAdmitted(t, acquireAsync(tm, "alice"), "alice")
	assertAdmitted(t, acquireAsync(tm, "bob"), "bob")

	tm.RegisterJobStart("alice")
	tm.RegisterJobStart("bob")

	carolDone := acquireAsync(tm, "carol")
	assertBlocked(t, carolDone, "carol")
	assert.Equal(t, 1, tm.Status().QueuedUsers)

	// Alice finishes her only job: her slot releases and carol is promoted
	tm.RegisterJobEnd("alice")
	assertAdmitted(t, carolDone, "carol")

	status := tm.Status()
	assert.Equal(t, 2, status.ActiveUsers)
	assert.Equal(t, 0, status.QueuedUsers)
	assert.NotContains(t, status.UserJobCounts, "alice")
}

func TestTenantManager_QueueIsFIFO(t *testing.T) {
	tm := newTestTenantManager(t, NewStore(), 1)

	assertAdmitted(t, acquireAsync(tm, "alice"), "alice")
	tm.RegisterJobStart("alice")

	bobDone := acquireAsync(tm, "bob")
	assertBlocked(t, bobDone, "bob")

	carolDone := acquireAsync(tm, "carol")
	assertBlocked(t, carolDone, "carol")

	// Releases admit bob first, then carol, in arrival order
	tm.RegisterJobEnd("alice")
	assertAdmitted(t, bobDone, "bob")
	assertBlocked(t, carolDone, "carol")

	tm.RegisterJobStart("bob")
	tm.RegisterJobEnd("bob")
	assertAdmitted(t, carolDone, "carol")
}

func TestTenantManager_SlotHeldWhileJobsRemain(t *testing.T) {
	tm := newTestTenantManager(t, NewStore(), 1)

	assertAdmitted(t, acquireAsync(tm, "alice"), "alice")
	tm.RegisterJobStart("alice")
	tm.RegisterJobStart("alice")

	bobDone := acquireAsync(tm, "bob")

	tm.RegisterJobEnd("alice")
	assertBlocked(t, bobDone, "bob")

	tm.RegisterJobEnd("alice")
	assertAdmitted(t, bobDone, "bob")
}

func TestTenantManager_ReleaseGatedOnRunningJobsInStore(t *testing.T) {
	store := NewStore()
	tm := newTestTenantManager(t, store, 1)

	job := NewJob("wf-1", "branch-a", "alice", testJobConfig())
	_, err := store.CreateJob(job)
	require.NoError(t, err)
	_, err = store.UpdateJob(job.ID, func(j *Job) error { return j.Start() })
	require.NoError(t, err)

	assertAdmitted(t, acquireAsync(tm, "alice"), "alice")
	tm.RegisterJobStart("alice")

	bobDone := acquireAsync(tm, "bob")

	// Count reaches zero but the store still shows a RUNNING job for
	// alice, so the slot is not released yet
	tm.RegisterJobEnd("alice")
	assertBlocked(t, bobDone, "bob")
	assert.Equal(t, 1, tm.ActiveCount())

	_, err = store.UpdateJob(job.ID, func(j *Job) error { return j.Succeed() })
	require.NoError(t, err)

	tm.RegisterJobStart("alice")
	tm.RegisterJobEnd("alice")
	assertAdmitted(t, bobDone, "bob")
}

func TestTenantManager_RegisterIgnoresInactiveUser(t *testing.T) {
	tm := newTestTenantManager(t, NewStore(), 1)

	tm.RegisterJobStart("ghost")
	tm.RegisterJobEnd("ghost")

	assert.Equal(t, 0, tm.ActiveCount())
	assert.Empty(t, tm.Status().UserJobCounts)
}
