package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned for operations on a stream id that does not exist.
var ErrNotFound = errors.New("stream not found")

var streamsBucket = []byte("streams")

// ChangeType describes what kind of store mutation occurred.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Change is delivered to registered observers after a successful mutation.
type Change struct {
	Type     ChangeType
	StreamID string
}

type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Path   string // bbolt database file
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("database path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store owns all Stream and PaymentRecord state. Every component mutates
// streams through this CRUD contract; nothing touches the database directly.
type Store struct {
	log   *slog.Logger
	cfg   StoreConfig
	clock clockwork.Clock
	db    *bolt.DB

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObsID int
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open stream database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to create streams bucket: %w", err)
	}

	return &Store{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     cfg.Clock,
		db:        db,
		observers: make(map[int]func(Change)),
	}, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}

// OnChange registers an observer called after every successful mutation.
// The returned function unregisters it.
func (st *Store) OnChange(fn func(Change)) func() {
	st.obsMu.Lock()
	defer st.obsMu.Unlock()
	id := st.nextObsID
	st.nextObsID++
	st.observers[id] = fn
	return func() {
		st.obsMu.Lock()
		defer st.obsMu.Unlock()
		delete(st.observers, id)
	}
}

func (st *Store) notify(ch Change) {
	st.obsMu.Lock()
	fns := make([]func(Change), 0, len(st.observers))
	for _, fn := range st.observers {
		fns = append(fns, fn)
	}
	st.obsMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					st.log.Error("store: observer panicked", "panic", r)
				}
			}()
			fn(ch)
		}()
	}
}

// Create persists a new stream from the given template. The store assigns
// id, creation time, and schedule/aggregate initial state; the first payment
// is due immediately on creation.
func (st *Store) Create(template *Stream) (*Stream, error) {
	s := template.Clone()
	if err := s.validate(); err != nil {
		return nil, err
	}

	now := st.clock.Now().UTC()
	s.ID = uuid.NewString()
	s.CreatedAt = now
	s.NextPayment = now
	s.Status = StatusActive
	s.PaymentsMade = 0
	s.TotalPaid = 0
	s.Payments = []PaymentRecord{}

	if err := st.put(s); err != nil {
		return nil, err
	}

	st.log.Debug("store: stream created",
		"stream_id", s.ID, "recipient", s.Recipient.String(), "interval", s.Interval.String())
	st.notify(Change{Type: ChangeCreated, StreamID: s.ID})
	return s.Clone(), nil
}

// Get returns a copy of the stream, or ErrNotFound.
func (st *Store) Get(id string) (*Stream, error) {
	var s *Stream
	err := st.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(streamsBucket).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var decoded Stream
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("failed to decode stream %s: %w", id, err)
		}
		s = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// List returns all streams ordered by creation time.
func (st *Store) List() ([]*Stream, error) {
	var out []*Stream
	err := st.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(_, raw []byte) error {
			var s Stream
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("failed to decode stream: %w", err)
			}
			out = append(out, &s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// FindByChainKey returns the stream whose derived on-chain identity matches
// key, or ErrNotFound.
func (st *Store) FindByChainKey(key string) (*Stream, error) {
	streams, err := st.List()
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		if s.ChainKey != "" && s.ChainKey == key {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Update applies mutate to the stream inside a single transaction and
// revalidates before writing. Identity and provenance fields cannot be
// changed; the payment history cannot be rewritten through this path.
func (st *Store) Update(id string, mutate func(*Stream) error) (*Stream, error) {
	var updated *Stream
	err := st.update(id, func(s *Stream) error {
		frozenID, frozenCreated, frozenRecipient := s.ID, s.CreatedAt, s.Recipient
		frozenMade, frozenPaid, frozenCount := s.PaymentsMade, s.TotalPaid, len(s.Payments)

		if err := mutate(s); err != nil {
			return err
		}

		s.ID, s.CreatedAt, s.Recipient = frozenID, frozenCreated, frozenRecipient
		if s.PaymentsMade != frozenMade || s.TotalPaid != frozenPaid || len(s.Payments) != frozenCount {
			return errors.New("payment history cannot be modified through update")
		}
		if err := s.validate(); err != nil {
			return err
		}
		updated = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.notify(Change{Type: ChangeUpdated, StreamID: id})
	return updated, nil
}

// AppendPayment appends a payment record to the stream's history.
func (st *Store) AppendPayment(id string, rec PaymentRecord) error {
	err := st.update(id, func(s *Stream) error {
		s.Payments = append(s.Payments, rec)
		return nil
	})
	if err != nil {
		return err
	}
	st.notify(Change{Type: ChangeUpdated, StreamID: id})
	return nil
}

// ConfirmPayment marks a pending record confirmed and applies all dependent
// state in one transaction: signature, paymentsMade, totalPaid, nextPayment.
// Keeping these together is what protects the counter/history consistency.
func (st *Store) ConfirmPayment(id, recordID, signature string, nextPayment time.Time) error {
	err := st.update(id, func(s *Stream) error {
		rec := findPayment(s, recordID)
		if rec == nil {
			return fmt.Errorf("payment record %s: %w", recordID, ErrNotFound)
		}
		if rec.Status != PaymentPending {
			return fmt.Errorf("payment record %s is %s, not pending", recordID, rec.Status)
		}
		rec.Status = PaymentConfirmed
		rec.Signature = signature
		s.PaymentsMade++
		s.TotalPaid += rec.Amount
		s.NextPayment = nextPayment.UTC()
		return nil
	})
	if err != nil {
		return err
	}
	st.notify(Change{Type: ChangeUpdated, StreamID: id})
	return nil
}

// FailPayment marks a pending record failed. Schedule state is deliberately
// untouched so the same logical payment stays due.
func (st *Store) FailPayment(id, recordID, reason string) error {
	err := st.update(id, func(s *Stream) error {
		rec := findPayment(s, recordID)
		if rec == nil {
			return fmt.Errorf("payment record %s: %w", recordID, ErrNotFound)
		}
		if rec.Status != PaymentPending {
			return fmt.Errorf("payment record %s is %s, not pending", recordID, rec.Status)
		}
		rec.Status = PaymentFailed
		rec.FailureReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	st.notify(Change{Type: ChangeUpdated, StreamID: id})
	return nil
}

// Delete removes the stream entirely. Cancel is the normal end of life;
// delete is an explicit user action.
func (st *Store) Delete(id string) error {
	err := st.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	st.log.Debug("store: stream deleted", "stream_id", id)
	st.notify(Change{Type: ChangeDeleted, StreamID: id})
	return nil
}

// Stats summarizes the active streams.
type Stats struct {
	ActiveCount    int        `json:"active_count"`
	MonthlyOutflow float64    `json:"monthly_outflow"`
	NextDue        *time.Time `json:"next_due,omitempty"`
}

// Stats computes active count, monthly-equivalent outflow, and the earliest
// due timestamp across all active streams.
func (st *Store) Stats() (Stats, error) {
	streams, err := st.List()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, s := range streams {
		if s.Status != StatusActive {
			continue
		}
		stats.ActiveCount++
		stats.MonthlyOutflow += s.Amount * s.Interval.MonthlyFactor()
		if !s.Exhausted() {
			if stats.NextDue == nil || s.NextPayment.Before(*stats.NextDue) {
				next := s.NextPayment
				stats.NextDue = &next
			}
		}
	}
	return stats, nil
}

func (st *Store) put(s *Stream) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode stream: %w", err)
	}
	return st.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(s.ID), raw)
	})
}

// update runs a read-modify-write on one stream inside a single bbolt
// transaction. Any error from mutate aborts the write entirely.
func (st *Store) update(id string, mutate func(*Stream) error) error {
	return st.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var s Stream
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("failed to decode stream %s: %w", id, err)
		}
		if err := mutate(&s); err != nil {
			return err
		}
		out, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("failed to encode stream %s: %w", id, err)
		}
		return b.Put([]byte(id), out)
	})
}

func findPayment(s *Stream, recordID string) *PaymentRecord {
	for i := range s.Payments {
		if s.Payments[i].ID == recordID {
			return &s.Payments[i]
		}
	}
	return nil
}
