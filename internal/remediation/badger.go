package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"keel-go/internal/keel"
)

const (
	attemptPrefix      = "attempts/"
	pendingPrefix      = "pending/"
	pendingIndexPrefix = "pending-index/"
)

// OpenBadger opens a badger database for remediation state. An empty dir
// or inMemory opens an in-memory database.
func OpenBadger(dir string, inMemory bool, logger keel.Logger) (*badger.DB, error) {
	var opts badger.Options
	if inMemory || dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}
	return db, nil
}

// badgerLogger routes badger's printf-style logs into keel.Logger.
type badgerLogger struct {
	logger keel.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {}

// BadgerAttemptStore persists attempt windows. Each window expires after
// ttl so idle projects do not accumulate keys.
type BadgerAttemptStore struct {
	db  *badger.DB
	ttl time.Duration
}

func NewBadgerAttemptStore(db *badger.DB, ttl time.Duration) *BadgerAttemptStore {
	return &BadgerAttemptStore{db: db, ttl: ttl}
}

func (s *BadgerAttemptStore) Update(ctx context.Context, projectID string, fn func([]time.Time) []time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(attemptPrefix + projectID)

	return s.db.Update(func(txn *badger.Txn) error {
		current, err := readAttempts(txn, key)
		if err != nil {
			return err
		}

		next := fn(current)
		if len(next) == 0 {
			return txn.Delete(key)
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding attempts: %w", err)
		}
		e := badger.NewEntry(key, data)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (s *BadgerAttemptStore) Attempts(ctx context.Context, projectID string) ([]time.Time, error) {
	var out []time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = readAttempts(txn, []byte(attemptPrefix+projectID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading attempts: %w", err)
	}
	return out, nil
}

func readAttempts(txn *badger.Txn, key []byte) ([]time.Time, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []time.Time
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding attempts: %w", err)
	}
	return out, nil
}

// BadgerPendingStore persists pending fixes keyed by project and id. An
// entry outlives its ExpiresAt by retain so approval can report expiry
// instead of not-found.
type BadgerPendingStore struct {
	db     *badger.DB
	retain time.Duration
	clock  keel.Clock
}

func NewBadgerPendingStore(db *badger.DB, retain time.Duration, clock keel.Clock) *BadgerPendingStore {
	return &BadgerPendingStore{db: db, retain: retain, clock: clock}
}

func pendingKey(projectID, id string) []byte {
	return []byte(pendingPrefix + projectID + "/" + id)
}

// pendingIndexKey maps id to project so Get and Delete need only the id.
func pendingIndexKey(id string) []byte {
	return []byte(pendingIndexPrefix + id)
}

func (s *BadgerPendingStore) Put(ctx context.Context, fix *PendingFix) error {
	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("encoding pending fix: %w", err)
	}

	ttl := fix.ExpiresAt.Sub(s.clock.Now()) + s.retain
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(pendingKey(fix.Owner.ProjectID, fix.ID), data).WithTTL(ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(pendingIndexKey(fix.ID), []byte(fix.Owner.ProjectID)).WithTTL(ttl))
	})
}

func (s *BadgerPendingStore) Get(ctx context.Context, id string) (*PendingFix, error) {
	var fix *PendingFix
	err := s.db.View(func(txn *badger.Txn) error {
		projectID, err := lookupProject(txn, id)
		if err != nil || projectID == "" {
			return err
		}
		item, err := txn.Get(pendingKey(projectID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			fix = &PendingFix{}
			return json.Unmarshal(val, fix)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading pending fix %s: %w", id, err)
	}
	return fix, nil
}

func (s *BadgerPendingStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		projectID, err := lookupProject(txn, id)
		if err != nil || projectID == "" {
			return err
		}
		if err := txn.Delete(pendingKey(projectID, id)); err != nil {
			return err
		}
		return txn.Delete(pendingIndexKey(id))
	})
}

func (s *BadgerPendingStore) List(ctx context.Context, projectID string) ([]*PendingFix, error) {
	prefix := []byte(pendingPrefix)
	if projectID != "" {
		prefix = []byte(pendingPrefix + projectID + "/")
	}

	var out []*PendingFix
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var fix PendingFix
				if err := json.Unmarshal(val, &fix); err != nil {
					return err
				}
				out = append(out, &fix)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending fixes: %w", err)
	}
	sortPending(out)
	return out, nil
}

func lookupProject(txn *badger.Txn, id string) (string, error) {
	item, err := txn.Get(pendingIndexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

var (
	_ AttemptStore = (*BadgerAttemptStore)(nil)
	_ PendingStore = (*BadgerPendingStore)(nil)
)
