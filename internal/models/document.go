// -----------------------------------------------------------------------
// StoredDocument - Binary artifact blob (uploads, attachments, renders)
// -----------------------------------------------------------------------

package models

import "time"

// StoredDocument is a binary artifact held in the document store: an
// uploaded résumé, a mail attachment pulled in by intake, or a rendered
// PDF produced by generation. Jobs reference documents by key rather
// than carrying bytes through the queue.
type StoredDocument struct {
	Key         string    `json:"key"`
	Name        string    `json:"name,omitempty"` // Original filename, when known
	ContentType string    `json:"contentType,omitempty"`
	OwnerID     string    `json:"ownerId,omitempty" badgerhold:"index"`
	Data        []byte    `json:"-"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt" badgerhold:"index"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
