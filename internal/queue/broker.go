// -----------------------------------------------------------------------
// Broker - Durable multi-channel priority queue over badger
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/models"
)

var (
	// ErrEmpty is returned when the channel has no claimable entry
	ErrEmpty = errors.New("no entries ready")
	// ErrRateLimited is returned when the channel limiter withholds
	// a ready entry
	ErrRateLimited = errors.New("channel rate limited")
	// ErrClosed is returned after the broker has been stopped
	ErrClosed = errors.New("broker closed")
)

const brokerPingKey = "queue:ping"

// Broker is the durable queue. Entries live in badger under per-channel
// key spaces; index keys order them by priority then visibility time so
// iteration naturally yields the next claimable entry. Delivery is
// at-least-once: claims hold a lock, expired locks are reclaimed, and
// repeated stalls dead-letter the entry.
type Broker struct {
	db           *badger.DB
	logger       arbor.ILogger
	lockDuration time.Duration
	maxStalled   int
	limiters     map[string]*rate.Limiter
	channels     []string
	closed       atomic.Bool
}

// NewBroker creates the broker with one channel per registered job type
func NewBroker(db *badger.DB, config *common.QueueConfig, logger arbor.ILogger) (*Broker, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config == nil {
		return nil, errors.New("queue config is required")
	}

	lockDuration := common.Duration(config.LockDuration, 5*time.Minute)
	maxStalled := config.MaxStalledCount
	if maxStalled <= 0 {
		maxStalled = 1
	}

	channels := make([]string, 0, len(models.AllJobTypes()))
	limiters := make(map[string]*rate.Limiter)
	for _, jobType := range models.AllJobTypes() {
		name := jobType.Channel()
		channels = append(channels, name)
		if cc, ok := config.Channels[name]; ok && cc.RateLimit > 0 {
			burst := cc.RateBurst
			if burst <= 0 {
				burst = 1
			}
			limiters[name] = rate.NewLimiter(rate.Limit(cc.RateLimit), burst)
		}
	}

	return &Broker{
		db:           db,
		logger:       logger,
		lockDuration: lockDuration,
		maxStalled:   maxStalled,
		limiters:     limiters,
		channels:     channels,
	}, nil
}

// Start logs the channel topology; entries left active by a previous run
// are reclaimed lazily as their locks expire.
func (b *Broker) Start() error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.logger.Info().
		Int("channels", len(b.channels)).
		Str("lock_duration", b.lockDuration.String()).
		Int("max_stalled", b.maxStalled).
		Msg("Queue broker started")
	return nil
}

// Stop marks the broker closed; subsequent receives return ErrClosed
func (b *Broker) Stop() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.logger.Info().Msg("Queue broker stopped")
	return nil
}

// Channels returns the channel names in registration order
func (b *Broker) Channels() []string {
	out := make([]string, len(b.channels))
	copy(out, b.channels)
	return out
}

// validChannel reports whether the name is a registered channel
func (b *Broker) validChannel(channel string) bool {
	for _, name := range b.channels {
		if name == channel {
			return true
		}
	}
	return false
}

// Enqueue makes the entry deliverable once its VisibleAt passes. A job id
// with a live entry on the channel is left untouched.
func (b *Broker) Enqueue(ctx context.Context, entry *Entry) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if entry == nil || entry.JobID == "" {
		return errors.New("entry with job id is required")
	}
	if !b.validChannel(entry.Channel) {
		return fmt.Errorf("unknown channel: %s", entry.Channel)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := b.readEntry(txn, entry.Channel, entry.JobID)
		if err == nil && existing.Live() {
			b.logger.Debug().
				Str("job_id", entry.JobID).
				Str("channel", entry.Channel).
				Msg("Entry already live, enqueue is a no-op")
			return nil
		}
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		// A finished prior entry is superseded; drop its retention key
		if existing != nil {
			b.deleteFinishedKeys(txn, existing)
		}

		entry.State = StateReady
		if err := b.writeEntry(txn, entry); err != nil {
			return err
		}
		return txn.Set(readyKey(entry.Channel, entry.Priority, entry.VisibleAt, entry.JobID), nil)
	})
}

// Receive claims the next visible entry. Stalled actives are reclaimed
// first; then the ready index is walked in priority order. The channel
// limiter is consulted only when a claimable candidate exists, so idle
// polls never burn tokens.
func (b *Broker) Receive(ctx context.Context, channel string) (*Lease, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if !b.validChannel(channel) {
		return nil, fmt.Errorf("unknown channel: %s", channel)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := b.reclaimStalled(channel); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("Stalled entry reclaim failed")
	}

	var claimed *Entry
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(readyPrefix(channel))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			_, visibleAt, jobID, err := parseReadyKey(channel, key)
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				// Delayed; later keys in this priority band are even
				// further out, keep walking into the next band
				continue
			}

			entry, err := b.readEntry(txn, channel, jobID)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index key
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			if entry.Attempts >= entry.MaxAttempts {
				if err := b.deadLetter(txn, entry, key, "attempt budget exhausted"); err != nil {
					return err
				}
				continue
			}

			if limiter := b.limiters[channel]; limiter != nil && !limiter.Allow() {
				return ErrRateLimited
			}

			entry.Attempts++
			entry.State = StateActive
			entry.LockedUntil = now.Add(b.lockDuration)
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(activeKey(channel, entry.LockedUntil, jobID), nil); err != nil {
				return err
			}
			if err := b.writeEntry(txn, entry); err != nil {
				return err
			}
			claimed = entry
			return nil
		}
		return ErrEmpty
	})

	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			// Another consumer won the claim; treat as an empty poll
			return nil, ErrEmpty
		}
		return nil, err
	}

	return &Lease{broker: b, entry: claimed}, nil
}

// reclaimStalled returns expired actives to the ready index, or
// dead-letters entries that stalled too often.
func (b *Broker) reclaimStalled(channel string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(activePrefix(channel))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			lockedUntil, jobID, err := parseTimedKey(activePrefix(channel), key)
			if err != nil {
				continue
			}
			if lockedUntil.After(now) {
				// Keys are lock-expiry ordered; the rest still hold
				break
			}

			entry, err := b.readEntry(txn, channel, jobID)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			entry.Stalls++
			if entry.Stalls > b.maxStalled || entry.Attempts >= entry.MaxAttempts {
				if err := b.deadLetter(txn, entry, key, "lock expired"); err != nil {
					return err
				}
				b.logger.Warn().
					Str("job_id", jobID).
					Str("channel", channel).
					Int("stalls", entry.Stalls).
					Msg("Stalled entry dead-lettered")
				continue
			}

			entry.State = StateReady
			entry.VisibleAt = now
			entry.LockedUntil = time.Time{}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(readyKey(channel, entry.Priority, entry.VisibleAt, jobID), nil); err != nil {
				return err
			}
			if err := b.writeEntry(txn, entry); err != nil {
				return err
			}
			b.logger.Warn().
				Str("job_id", jobID).
				Str("channel", channel).
				Int("stalls", entry.Stalls).
				Msg("Stalled entry returned for redelivery")
		}
		return nil
	})
}

// ack settles a delivered entry as completed and applies retention
func (b *Broker) ack(entry *Entry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		current, err := b.readEntry(txn, entry.Channel, entry.JobID)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // already settled
			}
			return err
		}
		if current.State != StateActive {
			return nil
		}

		if err := txn.Delete(activeKey(entry.Channel, current.LockedUntil, entry.JobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}

		if current.RemoveOnComplete <= 0 {
			return txn.Delete(entryKey(entry.Channel, entry.JobID))
		}

		now := time.Now()
		current.State = StateCompleted
		current.FinishedAt = &now
		current.LockedUntil = time.Time{}
		if err := txn.Set(doneKey(entry.Channel, now, entry.JobID), nil); err != nil {
			return err
		}
		if err := b.writeEntry(txn, current); err != nil {
			return err
		}
		return b.pruneCompleted(txn, entry.Channel, current.RemoveOnComplete)
	})
}

// nack hands an undeliverable attempt back to the broker. With budget
// remaining the entry is rescheduled per its backoff descriptor;
// otherwise it is dead-lettered. Reports whether redelivery will happen.
func (b *Broker) nack(entry *Entry, cause string) (bool, error) {
	rescheduled := false
	err := b.db.Update(func(txn *badger.Txn) error {
		current, err := b.readEntry(txn, entry.Channel, entry.JobID)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		if current.State != StateActive {
			return nil
		}

		if err := txn.Delete(activeKey(entry.Channel, current.LockedUntil, entry.JobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}

		current.LastError = cause
		current.LockedUntil = time.Time{}
		if current.Attempts >= current.MaxAttempts {
			return b.deadLetter(txn, current, nil, cause)
		}

		current.State = StateReady
		current.VisibleAt = time.Now().Add(current.NextBackoff(current.Attempts))
		if err := txn.Set(readyKey(entry.Channel, current.Priority, current.VisibleAt, entry.JobID), nil); err != nil {
			return err
		}
		if err := b.writeEntry(txn, current); err != nil {
			return err
		}
		rescheduled = true
		return nil
	})
	return rescheduled, err
}

// extend pushes the lock expiry of an active entry further out
func (b *Broker) extend(entry *Entry, d time.Duration) error {
	if d <= 0 {
		d = b.lockDuration
	}
	return b.db.Update(func(txn *badger.Txn) error {
		current, err := b.readEntry(txn, entry.Channel, entry.JobID)
		if err != nil {
			return err
		}
		if current.State != StateActive {
			return fmt.Errorf("entry %s is not active", entry.JobID)
		}

		if err := txn.Delete(activeKey(entry.Channel, current.LockedUntil, entry.JobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		current.LockedUntil = time.Now().Add(d)
		if err := txn.Set(activeKey(entry.Channel, current.LockedUntil, entry.JobID), nil); err != nil {
			return err
		}
		entry.LockedUntil = current.LockedUntil
		return b.writeEntry(txn, current)
	})
}

// deadLetter moves an entry to the failed set and prunes aged failures.
// readyOrActiveKey, when non-nil, is the index key being vacated.
func (b *Broker) deadLetter(txn *badger.Txn, entry *Entry, readyOrActiveKey []byte, cause string) error {
	if readyOrActiveKey != nil {
		if err := txn.Delete(readyOrActiveKey); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}

	now := time.Now()
	entry.State = StateFailed
	entry.FinishedAt = &now
	entry.LockedUntil = time.Time{}
	if entry.LastError == "" {
		entry.LastError = cause
	}
	if err := txn.Set(deadKey(entry.Channel, now, entry.JobID), nil); err != nil {
		return err
	}
	if err := b.writeEntry(txn, entry); err != nil {
		return err
	}
	return b.pruneFailed(txn, entry.Channel, entry.RemoveOnFailAge)
}

// pruneCompleted keeps only the newest keep completed entries
func (b *Broker) pruneCompleted(txn *badger.Txn, channel string, keep int) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := []byte(donePrefix(channel))
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	if len(keys) <= keep {
		return nil
	}

	// Keys are finish-time ordered, oldest first
	for _, key := range keys[:len(keys)-keep] {
		_, jobID, err := parseTimedKey(donePrefix(channel), key)
		if err != nil {
			continue
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete(entryKey(channel, jobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

// pruneFailed drops dead-lettered entries older than the retention age
func (b *Broker) pruneFailed(txn *badger.Txn, channel string, age time.Duration) error {
	if age <= 0 {
		return nil
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := []byte(deadPrefix(channel))
	it := txn.NewIterator(opts)
	defer it.Close()

	cutoff := time.Now().Add(-age)
	var drop [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		failedAt, _, err := parseTimedKey(deadPrefix(channel), key)
		if err != nil {
			continue
		}
		if !failedAt.Before(cutoff) {
			break
		}
		drop = append(drop, key)
	}
	for _, key := range drop {
		_, jobID, err := parseTimedKey(deadPrefix(channel), key)
		if err != nil {
			continue
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete(entryKey(channel, jobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

// Remove drops a job's entry from the channel, best effort. In-flight
// entries are left for their consumer; the job service's state machine
// discards the eventual result.
func (b *Broker) Remove(ctx context.Context, channel, jobID string) error {
	if !b.validChannel(channel) {
		return fmt.Errorf("unknown channel: %s", channel)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		entry, err := b.readEntry(txn, channel, jobID)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		switch entry.State {
		case StateActive:
			// Claimed; removal would race the consumer
			b.logger.Debug().Str("job_id", jobID).Str("channel", channel).Msg("Entry in flight, removal skipped")
			return nil
		case StateReady:
			if err := txn.Delete(readyKey(channel, entry.Priority, entry.VisibleAt, jobID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		default:
			b.deleteFinishedKeys(txn, entry)
		}
		return txn.Delete(entryKey(channel, jobID))
	})
}

// Depths counts entries per state. Ready entries split into waiting and
// delayed on their visibility time.
func (b *Broker) Depths(ctx context.Context, channel string) (models.QueueDepths, error) {
	var depths models.QueueDepths
	if !b.validChannel(channel) {
		return depths, fmt.Errorf("unknown channel: %s", channel)
	}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		readyPfx := []byte(readyPrefix(channel))
		for it.Seek(readyPfx); it.ValidForPrefix(readyPfx); it.Next() {
			_, visibleAt, _, err := parseReadyKey(channel, it.Item().Key())
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				depths.Delayed++
			} else {
				depths.Waiting++
			}
		}

		for _, span := range []struct {
			prefix string
			count  *int
		}{
			{activePrefix(channel), &depths.Active},
			{donePrefix(channel), &depths.Completed},
			{deadPrefix(channel), &depths.Failed},
		} {
			pfx := []byte(span.prefix)
			for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
				*span.count++
			}
		}
		return nil
	})
	return depths, err
}

// Ping round-trips a probe key and reports the latency
func (b *Broker) Ping(ctx context.Context) (time.Duration, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(brokerPingKey), []byte(strconv.FormatInt(start.UnixNano(), 10))); err != nil {
			return err
		}
		_, err := txn.Get([]byte(brokerPingKey))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("broker ping failed: %w", err)
	}
	return time.Since(start), nil
}

// --- entry and key plumbing ---

func (b *Broker) readEntry(txn *badger.Txn, channel, jobID string) (*Entry, error) {
	item, err := txn.Get(entryKey(channel, jobID))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *Broker) writeEntry(txn *badger.Txn, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return txn.Set(entryKey(entry.Channel, entry.JobID), data)
}

func (b *Broker) deleteFinishedKeys(txn *badger.Txn, entry *Entry) {
	if entry.FinishedAt == nil {
		return
	}
	switch entry.State {
	case StateCompleted:
		_ = txn.Delete(doneKey(entry.Channel, *entry.FinishedAt, entry.JobID))
	case StateFailed:
		_ = txn.Delete(deadKey(entry.Channel, *entry.FinishedAt, entry.JobID))
	}
}

func entryKey(channel, jobID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:entry:%s", channel, jobID))
}

func readyPrefix(channel string) string {
	return fmt.Sprintf("queue:%s:ready:", channel)
}

// readyKey orders by priority rank first, then visibility time. Both are
// zero padded so byte order matches numeric order.
func readyKey(channel string, priority int, visibleAt time.Time, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%d:%020d:%s", readyPrefix(channel), priority, visibleAt.UnixNano(), jobID))
}

func activePrefix(channel string) string {
	return fmt.Sprintf("queue:%s:active:", channel)
}

func activeKey(channel string, lockedUntil time.Time, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", activePrefix(channel), lockedUntil.UnixNano(), jobID))
}

func donePrefix(channel string) string {
	return fmt.Sprintf("queue:%s:done:", channel)
}

func doneKey(channel string, finishedAt time.Time, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", donePrefix(channel), finishedAt.UnixNano(), jobID))
}

func deadPrefix(channel string) string {
	return fmt.Sprintf("queue:%s:dead:", channel)
}

func deadKey(channel string, failedAt time.Time, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", deadPrefix(channel), failedAt.UnixNano(), jobID))
}

// parseReadyKey extracts priority, visibility time and job id
func parseReadyKey(channel string, key []byte) (int, time.Time, string, error) {
	prefix := readyPrefix(channel)
	if len(key) <= len(prefix) {
		return 0, time.Time{}, "", fmt.Errorf("invalid ready key")
	}
	parts := strings.SplitN(string(key[len(prefix):]), ":", 3)
	if len(parts) != 3 {
		return 0, time.Time{}, "", fmt.Errorf("invalid ready key format")
	}
	priority, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, "", err
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, "", err
	}
	return priority, time.Unix(0, nanos), parts[2], nil
}

// parseTimedKey extracts the timestamp and job id from an active, done or
// dead key.
func parseTimedKey(prefix string, key []byte) (time.Time, string, error) {
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key")
	}
	parts := strings.SplitN(string(key[len(prefix):]), ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid key format")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), parts[1], nil
}
