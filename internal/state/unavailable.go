package state

import (
	"fmt"

	"github.com/alexjbarnes/list-sync/internal/errors"
	"github.com/alexjbarnes/list-sync/internal/models"
)

// Unavailable stands in for State when the database could not be opened.
// Every operation fails with errors.ErrStoreUnavailable, so the daemon
// keeps running online-only: mutations go straight to the server and
// offline queueing is reported as lost.
type Unavailable struct {
	Cause error
}

func (u Unavailable) err() error {
	if u.Cause == nil {
		return errors.ErrStoreUnavailable
	}

	return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, u.Cause)
}

func (u Unavailable) Enqueue(QueuedAction) (uint64, error)   { return 0, u.err() }
func (u Unavailable) ListPending() ([]QueuedAction, error)   { return nil, u.err() }
func (u Unavailable) Clear(uint64) error                     { return u.err() }
func (u Unavailable) ClearAll() error                        { return u.err() }
func (u Unavailable) Count() (int, error)                    { return 0, u.err() }
func (u Unavailable) SaveSections([]models.Section) error    { return u.err() }
func (u Unavailable) GetSections() ([]models.Section, error) { return nil, u.err() }
func (u Unavailable) SetLastSync(int64) error                { return u.err() }
func (u Unavailable) LastSync() (int64, error)               { return 0, u.err() }

func (u Unavailable) UpdateItem(int64, func(*models.Item)) (bool, error) {
	return false, u.err()
}

func (u Unavailable) RemoveItem(int64) (bool, error) { return false, u.err() }

func (u Unavailable) UpdateSection(int64, func(*models.Section)) (bool, error) {
	return false, u.err()
}

func (u Unavailable) MapTempID(string, int64) error { return u.err() }

func (u Unavailable) ResolveTempID(string) (TempMapping, bool, error) {
	return TempMapping{}, false, u.err()
}
