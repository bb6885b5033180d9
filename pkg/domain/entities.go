package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UnclaimedOwner marks a job that no worker owns yet.
const UnclaimedOwner = -1

const (
	// WorkerCountKey stores the configured worker count in the registry.
	WorkerCountKey = "worker_count"
	// DefaultWorkerCount seeds WorkerCountKey on install.
	DefaultWorkerCount = 1

	workerKeyPrefix = "worker_pid_"
)

// registryNamespace scopes the key-derived identities of registry entries.
var registryNamespace = uuid.MustParse("0e4f6a52-7c1b-4d8e-9a53-3f2b8c1d7e90")

// Job is the producer-side description of a unit of work.
type Job struct {
	Method string `json:"method"`
	Data   any    `json:"data"`
}

// JobRecord is a queued job as persisted in the jobs table.
//
// owner/running encode the lifecycle:
//
//	owner == -1, running == false  pending, eligible for claim
//	owner != -1, running == true   claimed and executing
//	owner != -1, running == false  finished, eligible for receive
type JobRecord struct {
	bun.BaseModel `bun:"table:jobs"`

	ID        int64     `bun:",pk,autoincrement" json:"id"`
	Method    string    `bun:",notnull" json:"method"`
	Data      Payload   `bun:",type:text,notnull" json:"data"`
	Result    Payload   `bun:",type:text,nullzero" json:"result,omitempty"`
	Error     string    `bun:",nullzero" json:"error,omitempty"`
	Running   bool      `bun:",notnull" json:"running"`
	Owner     int       `bun:",notnull" json:"owner"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// Pending reports whether the job can still be claimed.
func (j *JobRecord) Pending() bool {
	return j != nil && j.Owner == UnclaimedOwner && !j.Running
}

// Claimed reports whether a worker is executing the job.
func (j *JobRecord) Claimed() bool {
	return j != nil && j.Owner != UnclaimedOwner && j.Running
}

// Finished reports whether a worker wrote the job back, successfully or not.
func (j *JobRecord) Finished() bool {
	return j != nil && j.Owner != UnclaimedOwner && !j.Running
}

// Failed reports whether the job finished with a failure marker.
func (j *JobRecord) Failed() bool {
	return j.Finished() && j.Error != ""
}

// Err returns a *JobFailedError for failed jobs and nil otherwise.
func (j *JobRecord) Err() error {
	if !j.Failed() {
		return nil
	}
	return &JobFailedError{ID: j.ID, Method: j.Method, Reason: j.Error}
}

// DecodeData decodes the job payload into dst.
func (j *JobRecord) DecodeData(dst any) error {
	return j.Data.Decode(dst)
}

// DecodeResult decodes the job result into dst.
func (j *JobRecord) DecodeResult(dst any) error {
	return j.Result.Decode(dst)
}

// JobFailedError describes a job that a worker marked as failed.
type JobFailedError struct {
	ID     int64
	Method string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %d (%s) failed: %s", e.ID, e.Method, e.Reason)
}

// RegistryEntry is a key/value row holding configuration and worker
// registrations. Registration rows also carry the lease holder and expiry.
type RegistryEntry struct {
	bun.BaseModel `bun:"table:registry"`

	ID        int64     `bun:",pk,autoincrement" json:"id"`
	Key       string    `bun:",unique,notnull" json:"key"`
	Value     string    `bun:",nullzero" json:"value"`
	Holder    string    `bun:",nullzero" json:"holder,omitempty"`
	ExpiresAt time.Time `bun:",nullzero" json:"expires_at,omitempty"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// Identity returns a stable UUID derived from the entry key.
func (e *RegistryEntry) Identity() uuid.UUID {
	return RegistryIdentity(e.Key)
}

// RegistryIdentity derives the UUID used to address a registry key.
func RegistryIdentity(key string) uuid.UUID {
	return uuid.NewSHA1(registryNamespace, []byte(key))
}

// WorkerKey returns the registry key of a worker slot registration.
func WorkerKey(slot int) string {
	return workerKeyPrefix + strconv.Itoa(slot)
}

// SlotFromKey parses a worker registration key.
func SlotFromKey(key string) (int, bool) {
	raw, ok := strings.CutPrefix(key, workerKeyPrefix)
	if !ok {
		return 0, false
	}
	slot, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return slot, true
}

// Lease is the registration a worker holds on its slot. It is renewed by
// heartbeats and considered stale once ExpiresAt has passed.
type Lease struct {
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	Holder    uuid.UUID `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the lease is still valid at now.
func (l *Lease) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Entry converts the lease into its registry row.
func (l Lease) Entry() *RegistryEntry {
	return &RegistryEntry{
		Key:       WorkerKey(l.Slot),
		Value:     strconv.Itoa(l.PID),
		Holder:    l.Holder.String(),
		ExpiresAt: l.ExpiresAt.UTC(),
	}
}

// LeaseFromEntry rebuilds a lease from a registration row.
func LeaseFromEntry(entry *RegistryEntry) (*Lease, error) {
	if entry == nil {
		return nil, fmt.Errorf("lease: nil registry entry")
	}
	slot, ok := SlotFromKey(entry.Key)
	if !ok {
		return nil, fmt.Errorf("lease: %q is not a worker key", entry.Key)
	}
	lease := &Lease{Slot: slot, ExpiresAt: entry.ExpiresAt}
	if entry.Value != "" {
		pid, err := strconv.Atoi(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("lease: invalid pid %q: %w", entry.Value, err)
		}
		lease.PID = pid
	}
	if entry.Holder != "" {
		holder, err := uuid.Parse(entry.Holder)
		if err != nil {
			return nil, fmt.Errorf("lease: invalid holder %q: %w", entry.Holder, err)
		}
		lease.Holder = holder
	}
	return lease, nil
}

// QueueStats summarises the jobs table.
type QueueStats struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}
