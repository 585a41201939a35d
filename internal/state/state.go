package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	clientIDKey    = []byte("client_id")
	queueBucket    = []byte("offline_queue")
	sectionsBucket = []byte("sections")
	metaBucket     = []byte("sync_metadata")
	lastSyncKey    = []byte("last_sync")
	tempIDsBucket  = []byte("temp_ids")
)

// QueuedAction is one not-yet-confirmed local mutation. It carries the
// exact request needed to replay it verbatim.
type QueuedAction struct {
	ID       uint64            `json:"id"`
	Type     string            `json:"type"`
	EntityID int64             `json:"entity_id,omitempty"`
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body,omitempty"`
	// TempID is the create's own temp id for create_item, and the temp
	// id of the target item for actions queued against an unconfirmed
	// create. URL and EntityID are rewritten once the server id is known.
	TempID string `json:"temp_id,omitempty"`
	// Timestamp is the client wall clock at enqueue, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// EnqueuedAt returns Timestamp as a time.Time.
func (a QueuedAction) EnqueuedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// State wraps a bbolt database holding the offline queue, the section
// snapshot cache, and sync metadata.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the state database at <dir>/state.db, creating it if it
// does not exist.
func Load(dir string) (*State, error) {
	return LoadAt(filepath.Join(dir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	return LoadAtWithTimeout(path, stateOpenTimeout)
}

// LoadAtWithTimeout is LoadAt with a custom lock timeout. CLI commands
// use a short timeout so they fail fast while the daemon holds the lock.
func LoadAtWithTimeout(path string, timeout time.Duration) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, queueBucket, sectionsBucket, metaBucket, tempIDsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database. Every later operation fails.
func (s *State) Close() error {
	return s.db.Close()
}

// ClientID returns a stable identifier for this installation, generating
// and persisting one on first use.
func (s *State) ClientID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(clientIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(clientIDKey, []byte(id))
	})

	return id, err
}

// --- Offline queue ---

// Enqueue appends an action with a monotonic id and the current wall
// clock timestamp, returning the assigned id. A non-zero Timestamp on
// the input is kept.
func (s *State) Enqueue(a QueuedAction) (uint64, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		a.ID = seq
		if a.Timestamp == 0 {
			a.Timestamp = s.now().UnixMilli()
		}

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return b.Put(itob(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s: %w", a.Type, err)
	}

	return a.ID, nil
}

// ListPending returns all queued actions ordered by timestamp ascending,
// with the id breaking ties so enqueue order is preserved.
func (s *State) ListPending() ([]QueuedAction, error) {
	var actions []QueuedAction

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var a QueuedAction
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decoding queued action %d: %w", btoi(k), err)
			}

			actions = append(actions, a)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Timestamp == actions[j].Timestamp {
			return actions[i].ID < actions[j].ID
		}

		return actions[i].Timestamp < actions[j].Timestamp
	})

	return actions, nil
}

// Clear removes a queued action. Clearing a missing id is not an error.
func (s *State) Clear(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(itob(id))
	})
}

// ClearAll removes every queued action. The id sequence is preserved so
// ids are never reused.
func (s *State) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		seq := b.Sequence()

		if err := tx.DeleteBucket(queueBucket); err != nil {
			return err
		}

		nb, err := tx.CreateBucket(queueBucket)
		if err != nil {
			return err
		}

		return nb.SetSequence(seq)
	})
}

// Count returns the number of queued actions.
func (s *State) Count() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN
		return nil
	})

	return count, err
}

// --- Section snapshot cache ---

// SaveSections replaces the snapshot cache with sections.
func (s *State) SaveSections(sections []models.Section) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(sectionsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(sectionsBucket)
		if err != nil {
			return err
		}

		for _, sec := range sections {
			data, err := json.Marshal(sec)
			if err != nil {
				return err
			}

			if err := b.Put(itob(uint64(sec.ID)), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetSections returns the cached sections ordered by sort order, with
// each section's items ordered the same way.
func (s *State) GetSections() ([]models.Section, error) {
	var sections []models.Section

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sectionsBucket).ForEach(func(k, v []byte) error {
			var sec models.Section
			if err := json.Unmarshal(v, &sec); err != nil {
				return fmt.Errorf("decoding section %d: %w", btoi(k), err)
			}

			sections = append(sections, sec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	models.SortSections(sections)

	return sections, nil
}

// UpdateItem applies fn to the cached copy of item id. Returns false if
// the item is not in the cache.
func (s *State) UpdateItem(id int64, fn func(*models.Item)) (bool, error) {
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectionsBucket)

		return forEachSection(b, func(k []byte, sec *models.Section) (bool, error) {
			for i := range sec.Items {
				if sec.Items[i].ID == id {
					fn(&sec.Items[i])
					found = true

					return true, putSection(b, k, sec)
				}
			}

			return false, nil
		})
	})

	return found, err
}

// RemoveItem deletes item id from the cached snapshot. Returns false if
// the item is not in the cache.
func (s *State) RemoveItem(id int64) (bool, error) {
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectionsBucket)

		return forEachSection(b, func(k []byte, sec *models.Section) (bool, error) {
			for i := range sec.Items {
				if sec.Items[i].ID == id {
					sec.Items = append(sec.Items[:i], sec.Items[i+1:]...)
					found = true

					return true, putSection(b, k, sec)
				}
			}

			return false, nil
		})
	})

	return found, err
}

// UpdateSection applies fn to the cached section id. Returns false if the
// section is not in the cache.
func (s *State) UpdateSection(id int64, fn func(*models.Section)) (bool, error) {
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectionsBucket)
		k := itob(uint64(id))

		v := b.Get(k)
		if v == nil {
			return nil
		}

		var sec models.Section
		if err := json.Unmarshal(v, &sec); err != nil {
			return err
		}

		fn(&sec)
		found = true

		return putSection(b, k, &sec)
	})

	return found, err
}

// forEachSection decodes each cached section and calls fn until fn
// reports it is done.
func forEachSection(b *bolt.Bucket, fn func(k []byte, sec *models.Section) (bool, error)) error {
	c := b.Cursor()

	for k, v := c.First(); k != nil; k, v = c.Next() {
		var sec models.Section
		if err := json.Unmarshal(v, &sec); err != nil {
			return err
		}

		stop, err := fn(append([]byte(nil), k...), &sec)
		if err != nil || stop {
			return err
		}
	}

	return nil
}

func putSection(b *bolt.Bucket, k []byte, sec *models.Section) error {
	data, err := json.Marshal(sec)
	if err != nil {
		return err
	}

	return b.Put(k, data)
}

// --- Temp id mapping ---

// TempMapping is the server id assigned to a locally created item.
type TempMapping struct {
	ID int64 `json:"id"`
	// MappedAt is the client wall clock when the create was confirmed,
	// in unix milliseconds.
	MappedAt int64 `json:"mapped_at"`
}

// MappedTime returns MappedAt as a time.Time.
func (m TempMapping) MappedTime() time.Time {
	return time.UnixMilli(m.MappedAt)
}

// MapTempID records that the item created under tempID now has server
// id id. Mapping the same temp id again overwrites it.
func (s *State) MapTempID(tempID string, id int64) error {
	m := TempMapping{ID: id, MappedAt: s.now().UnixMilli()}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tempIDsBucket).Put([]byte(tempID), data)
	})
}

// ResolveTempID returns the server id recorded for tempID. The bool is
// false when the create has not been confirmed yet.
func (s *State) ResolveTempID(tempID string) (TempMapping, bool, error) {
	var (
		m     TempMapping
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tempIDsBucket).Get([]byte(tempID))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return TempMapping{}, false, fmt.Errorf("resolving temp id %s: %w", tempID, err)
	}

	return m, found, nil
}

// --- Sync metadata ---

// SetLastSync records the server timestamp of the last snapshot.
func (s *State) SetLastSync(ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ts)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(lastSyncKey, data)
	})
}

// LastSync returns the server timestamp of the last snapshot, or 0 if no
// snapshot has been saved.
func (s *State) LastSync() (int64, error) {
	var ts int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastSyncKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ts)
	})

	return ts, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}
