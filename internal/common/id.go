package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewJobID generates a client-visible job identifier.
// Format: <type><unix-millis><random>[_userTail]
func NewJobID(jobType string, ownerID string) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	id := fmt.Sprintf("%s%d%s", jobType, time.Now().UnixMilli(), random)
	if tail := ownerTail(ownerID); tail != "" {
		id += "_" + tail
	}
	return id
}

// ownerTail returns a short suffix derived from the owner id, or "" when
// there is no usable owner.
func ownerTail(ownerID string) string {
	cleaned := make([]rune, 0, len(ownerID))
	for _, r := range ownerID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	if len(cleaned) > 8 {
		cleaned = cleaned[len(cleaned)-8:]
	}
	return string(cleaned)
}

// NewRecordID generates an internal store identifier with the "rec_" prefix
func NewRecordID() string {
	return "rec_" + uuid.New().String()
}

// NewSubscriptionID generates a webhook subscription identifier
func NewSubscriptionID() string {
	return "sub_" + uuid.New().String()
}

// NewDeliveryID generates a webhook delivery identifier
func NewDeliveryID() string {
	return "del_" + uuid.New().String()
}
