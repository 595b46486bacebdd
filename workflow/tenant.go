package workflow

import (
	"sync"

	"go.uber.org/zap"
)

// TenantManager admits at most maxActiveUsers tenants concurrently.
// Tenants beyond the cap wait in strict FIFO order on single-shot wait
// handles. A tenant's slot is released when its job reference count
// reaches zero and the Store shows no RUNNING jobs for it; the release
// promotes the queue head atomically before signalling its handle, so a
// woken waiter always observes itself active.
type TenantManager struct {
	maxActiveUsers int
	store          *Store
	log            *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]bool
	counts map[string]int // job references per active tenant
	queue  []*tenantWaiter
}

type tenantWaiter struct {
	userID string
	ready  chan struct{} // closed by the releasing party after activation
}

// NewTenantManager creates a tenant admission manager backed by the store
func NewTenantManager(store *Store, maxActiveUsers int, log *zap.SugaredLogger) *TenantManager {
	if maxActiveUsers <= 0 {
		maxActiveUsers = 1
	}
	return &TenantManager{
		maxActiveUsers: maxActiveUsers,
		store:          store,
		log:            log.Named("tenants"),
		active:         make(map[string]bool),
		counts:         make(map[string]int),
	}
}

// AcquireUserSlot blocks until the tenant holds an active slot. Returns
// immediately when the tenant is already active or the cap has room;
// otherwise the caller is enqueued FIFO and suspended. The wait itself
// happens outside the manager mutex.
func (tm *TenantManager) AcquireUserSlot(userID string) {
	tm.mu.Lock()

	if tm.active[userID] {
		tm.mu.Unlock()
		tm.log.Debugw("Tenant already active", "user_id", userID)
		return
	}

	if len(tm.active) < tm.maxActiveUsers {
		tm.activateLocked(userID)
		tm.mu.Unlock()
		return
	}

	waiter := &tenantWaiter{userID: userID, ready: make(chan struct{})}
	tm.queue = append(tm.queue, waiter)
	queuePos := len(tm.queue)
	tm.mu.Unlock()

	tm.log.Infow("Tenant queued for admission",
		"user_id", userID,
		"queue_position", queuePos,
		"active", tm.ActiveCount(),
		"max_active", tm.maxActiveUsers)

	<-waiter.ready

	tm.log.Infow("Tenant admitted from queue", "user_id", userID)
}

// RegisterJobStart increments the tenant's job reference count.
// A no-op for tenants that are not active.
func (tm *TenantManager) RegisterJobStart(userID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.counts[userID]; ok {
		tm.counts[userID]++
	}
}

// RegisterJobEnd decrements the tenant's job reference count. When the
// count reaches zero and the Store reports no RUNNING jobs for the
// tenant, the slot is released and the head of the wait queue (if any)
// is promoted. The Store check covers the window between a job's
// reference release and its own status update.
func (tm *TenantManager) RegisterJobEnd(userID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.counts[userID]; !ok {
		return
	}

	tm.counts[userID]--
	if tm.counts[userID] > 0 {
		return
	}

	if running := tm.store.ListRunningJobsForUser(userID); len(running) > 0 {
		return
	}

	delete(tm.active, userID)
	delete(tm.counts, userID)
	tm.log.Infow("Tenant slot released", "user_id", userID, "active", len(tm.active))

	tm.wakeNextLocked()
}

// wakeNextLocked promotes the queue head into the active set and signals
// its wait handle. Requires tm.mu held.
func (tm *TenantManager) wakeNextLocked() {
	if len(tm.queue) == 0 {
		return
	}

	waiter := tm.queue[0]
	tm.queue = tm.queue[1:]

	// A tenant that re-entered the active set through another call
	// while queued just needs its handle signalled.
	if !tm.active[waiter.userID] {
		tm.activateLocked(waiter.userID)
	}
	close(waiter.ready)
}

// activateLocked inserts the tenant into the active set. Requires tm.mu held.
func (tm *TenantManager) activateLocked(userID string) {
	tm.active[userID] = true
	tm.counts[userID] = 0
	tm.log.Infow("Tenant activated",
		"user_id", userID,
		"active", len(tm.active),
		"max_active", tm.maxActiveUsers)
}

// ActiveCount returns the number of currently active tenants
func (tm *TenantManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

// TenantStatus is the observability snapshot returned by Status
type TenantStatus struct {
	ActiveUsers    int            `json:"active_users"`
	MaxActiveUsers int            `json:"max_active_users"`
	QueuedUsers    int            `json:"queued_users"`
	UserJobCounts  map[string]int `json:"user_job_counts"`
}

// Status returns admission counters for observability
func (tm *TenantManager) Status() TenantStatus {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	counts := make(map[string]int, len(tm.counts))
	for user, n := range tm.counts {
		counts[user] = n
	}
	return TenantStatus{
		ActiveUsers:    len(tm.active),
		MaxActiveUsers: tm.maxActiveUsers,
		QueuedUsers:    len(tm.queue),
		UserJobCounts:  counts,
	}
}
