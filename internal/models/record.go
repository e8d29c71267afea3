// -----------------------------------------------------------------------
// DomainRecord - Per-domain work artifact linked to its job
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// RecordStatus is the lifecycle state of a domain record
type RecordStatus string

const (
	RecordStatusPending   RecordStatus = "pending"
	RecordStatusCompleted RecordStatus = "completed"
	RecordStatusFailed    RecordStatus = "failed"
)

// DomainRecord is the artifact a domain writes alongside the job that will
// produce it: a parsing attempt, an evaluation, a generated document. The
// record and its job are inserted in the same transaction and cross-linked
// by id, so neither can exist without the other.
type DomainRecord struct {
	ID       string  `json:"id"`
	Domain   JobType `json:"domain" badgerhold:"index"`
	JobID    string  `json:"jobId" badgerhold:"index"`
	EntityID string  `json:"entityId,omitempty" badgerhold:"index"` // CV or document the work concerns
	OwnerID  string  `json:"ownerId,omitempty" badgerhold:"index"`

	Status RecordStatus           `json:"status" badgerhold:"index"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt" badgerhold:"index"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewDomainRecord builds a pending record for the given domain and entity
func NewDomainRecord(id string, domain JobType, entityID, ownerID string) *DomainRecord {
	now := time.Now()
	return &DomainRecord{
		ID:        id,
		Domain:    domain,
		EntityID:  entityID,
		OwnerID:   ownerID,
		Status:    RecordStatusPending,
		Data:      make(map[string]interface{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
