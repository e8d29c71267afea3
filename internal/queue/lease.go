package queue

import "time"

// Lease is a claimed entry. The holder must settle it with Ack or Nack
// before the lock expires, or extend the lock while work continues;
// otherwise the entry is redelivered as stalled.
type Lease struct {
	broker *Broker
	entry  *Entry
}

// Entry returns the claimed entry snapshot
func (l *Lease) Entry() *Entry {
	return l.entry
}

// JobID returns the job id the entry carries
func (l *Lease) JobID() string {
	return l.entry.JobID
}

// Attempt returns the delivery count including this claim
func (l *Lease) Attempt() int {
	return l.entry.Attempts
}

// Ack settles the entry as delivered and applies completed retention
func (l *Lease) Ack() error {
	return l.broker.ack(l.entry)
}

// Nack returns the entry to the broker after a delivery that could not
// be recorded. With attempt budget left the entry is rescheduled per its
// backoff descriptor and true is returned; otherwise it is dead-lettered
// and false is returned.
func (l *Lease) Nack(cause string) (bool, error) {
	return l.broker.nack(l.entry, cause)
}

// Extend pushes the lock expiry out by d (the broker's lock duration
// when d <= 0). Long-running holders call this as a heartbeat.
func (l *Lease) Extend(d time.Duration) error {
	return l.broker.extend(l.entry, d)
}
