package domain

import "time"

// LeaseState classifies a run's lease at a point in time.
type LeaseState int

const (
	// LeaseAbsent means no worker owns the run.
	LeaseAbsent LeaseState = iota
	// LeaseActive means a worker owns the run and its lease has not expired.
	LeaseActive
	// LeaseStale means a worker owned the run but stopped renewing it.
	LeaseStale
)

func (s LeaseState) String() string {
	switch s {
	case LeaseAbsent:
		return "absent"
	case LeaseActive:
		return "active"
	case LeaseStale:
		return "stale"
	}
	return "unknown"
}

// InvestigationRun is the worker-coordination record for one investigation.
type InvestigationRun struct {
	ID              int64      `json:"id" db:"id"`
	InvestigationID int64      `json:"investigation_id" db:"investigation_id"`
	LeaseOwner      *string    `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	RecoverAfterAt  *time.Time `json:"recover_after_at,omitempty" db:"recover_after_at"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	QueuedAt        *time.Time `json:"queued_at,omitempty" db:"queued_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// LeaseState reports the lease classification at now. An owner without an
// expiry can never be renewed, so it counts as stale.
func (r InvestigationRun) LeaseState(now time.Time) LeaseState {
	if r.LeaseOwner == nil {
		return LeaseAbsent
	}
	if r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now) {
		return LeaseActive
	}
	return LeaseStale
}

// HasActiveLease reports whether some worker holds an unexpired lease.
func (r InvestigationRun) HasActiveLease(now time.Time) bool {
	return r.LeaseState(now) == LeaseActive
}

// IsProtected reports whether the run is inside a worker's own retry window.
func (r InvestigationRun) IsProtected(now time.Time) bool {
	return r.RecoverAfterAt != nil && r.RecoverAfterAt.After(now)
}

// IsRecoverable reports whether a PROCESSING investigation owning this run may
// be taken back to PENDING by someone other than the lease holder.
func (r InvestigationRun) IsRecoverable(now time.Time) bool {
	return !r.HasActiveLease(now) && !r.IsProtected(now)
}

// HeldByOther reports whether a worker other than worker holds an active lease.
func (r InvestigationRun) HeldByOther(worker string, now time.Time) bool {
	return r.HasActiveLease(now) && *r.LeaseOwner != worker
}

// HeldBy reports whether worker holds an active lease on the run.
func (r InvestigationRun) HeldBy(worker string, now time.Time) bool {
	return r.HasActiveLease(now) && r.LeaseOwner != nil && *r.LeaseOwner == worker
}

// ClearLease drops ownership, expiry and heartbeat.
func (r *InvestigationRun) ClearLease() {
	r.LeaseOwner = nil
	r.LeaseExpiresAt = nil
	r.HeartbeatAt = nil
}

// AssignLease hands the run to owner until now+ttl and lifts any retry protection.
func (r *InvestigationRun) AssignLease(owner string, now time.Time, ttl time.Duration) {
	o := owner
	expires := now.Add(ttl)
	started := now
	heartbeat := now
	r.LeaseOwner = &o
	r.LeaseExpiresAt = &expires
	r.HeartbeatAt = &heartbeat
	r.StartedAt = &started
	r.RecoverAfterAt = nil
	r.UpdatedAt = now
}

// MarkQueued clears the lease and protection and stamps queuedAt.
func (r *InvestigationRun) MarkQueued(now time.Time) {
	r.ClearLease()
	r.RecoverAfterAt = nil
	queued := now
	r.QueuedAt = &queued
	r.UpdatedAt = now
}

// Release clears the lease and protection but keeps queuedAt, so attempts
// counted since the run was last queued are not forgotten.
func (r *InvestigationRun) Release(now time.Time) {
	r.ClearLease()
	r.RecoverAfterAt = nil
	r.UpdatedAt = now
}

// Protect clears the lease and forbids external recovery until until.
func (r *InvestigationRun) Protect(until time.Time, now time.Time) {
	r.ClearLease()
	u := until
	r.RecoverAfterAt = &u
	r.UpdatedAt = now
}
