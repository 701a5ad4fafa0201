// Package index is the Controller's file index: filename -> {size, state,
// replica set}. It is backed by an embedded, transactional, in-memory
// key/value store (tidwall/buntdb, opened against ":memory:") rather than a
// bare map+mutex, so that composite "check-then-insert" operations fall
// naturally out of a single buntdb.Update transaction, and so that the index
// is volatile and lost on restart by construction.
//
// A probabilistic existence filter (seiflotfy/cuckoofilter) sits in front of
// the buntdb lookups as a fast-path optimization only; it is never the
// source of truth.
package index

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"

	"github.com/nvanstrum/distfs/internal/cmn/cmnerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// State is an index entry's lifecycle state.
type State string

const (
	StoreInProgress  State = "STORE_IN_PROGRESS"
	StoreComplete    State = "STORE_COMPLETE"
	RemoveInProgress State = "REMOVE_IN_PROGRESS"
)

// Entry is one file index entry.
type Entry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	State    State  `json:"state"`
	Replicas []int  `json:"replicas"`
}

// Index is the Controller's file index.
type Index struct {
	db *buntdb.DB

	cfMu sync.Mutex
	cf   *cuckoo.CuckooFilter
}

// New opens a fresh, empty, in-memory index.
func New() (*Index, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "index: open buntdb")
	}
	return &Index{
		db: db,
		cf: cuckoo.NewDefaultCuckooFilter(),
	}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

// Len returns the number of entries currently in the index, regardless of
// state. Cheap enough to call after every completion for a gauge update.
func (ix *Index) Len() (int, error) {
	var n int
	err := ix.db.View(func(tx *buntdb.Tx) error {
		l, err := tx.Len()
		if err != nil {
			return err
		}
		n = l
		return nil
	})
	return n, err
}

func (ix *Index) seen(name string) bool {
	ix.cfMu.Lock()
	defer ix.cfMu.Unlock()
	return ix.cf.Lookup([]byte(name))
}

func (ix *Index) markSeen(name string) {
	ix.cfMu.Lock()
	ix.cf.InsertUnique([]byte(name))
	ix.cfMu.Unlock()
}

func (ix *Index) forget(name string) {
	ix.cfMu.Lock()
	ix.cf.Delete([]byte(name))
	ix.cfMu.Unlock()
}

// BeginStore is the STORE admission step: if name is already indexed,
// returns cmnerr.ErrFileExists and makes no change; otherwise inserts a
// fresh STORE_IN_PROGRESS entry with no replicas. Both the check and the
// insert happen inside one buntdb transaction, so concurrent callers
// admitting the same brand-new name race safely and exactly one of them
// wins.
func (ix *Index) BeginStore(name string, size int64) error {
	err := ix.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(name); err == nil {
			return cmnerr.ErrFileExists
		} else if err != buntdb.ErrNotFound {
			return errors.Wrap(err, "index: get")
		}
		e := Entry{Name: name, Size: size, State: StoreInProgress, Replicas: nil}
		return setEntry(tx, name, e)
	})
	if err != nil {
		if errors.Is(err, cmnerr.ErrFileExists) {
			return cmnerr.ErrFileExists
		}
		return err
	}
	ix.markSeen(name)
	return nil
}

// CompleteStore transitions name to STORE_COMPLETE with the given replica
// set. Called exactly once, by the goroutine that delivered the ack that
// made acked == targets.
func (ix *Index) CompleteStore(name string, replicas []int) error {
	return ix.db.Update(func(tx *buntdb.Tx) error {
		e, err := getEntry(tx, name)
		if err != nil {
			return err
		}
		e.State = StoreComplete
		e.Replicas = append([]int(nil), replicas...)
		return setEntry(tx, name, e)
	})
}

// AbortStore deletes an in-progress entry on store timeout, returning the
// index to a state where a fresh STORE of the same name is admitted as if
// it were new.
func (ix *Index) AbortStore(name string) error {
	err := ix.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(name)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err == nil {
		ix.forget(name)
	}
	return err
}

// List returns every filename whose state is STORE_COMPLETE. Order is
// unspecified.
func (ix *Index) List() ([]string, error) {
	var names []string
	err := ix.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var e Entry
			if jsonErr := json.UnmarshalFromString(value, &e); jsonErr == nil && e.State == StoreComplete {
				names = append(names, e.Name)
			}
			return true
		})
	})
	return names, err
}

// Snapshot returns every current entry, regardless of state. Used only by
// the read-only admin surface; never on the protocol's hot path.
func (ix *Index) Snapshot() ([]Entry, error) {
	var entries []Entry
	err := ix.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var e Entry
			if jsonErr := json.UnmarshalFromString(value, &e); jsonErr == nil {
				entries = append(entries, e)
			}
			return true
		})
	})
	return entries, err
}

// Get returns a copy of the current entry for name, if any.
func (ix *Index) Get(name string) (Entry, bool, error) {
	if !ix.seen(name) {
		return Entry{}, false, nil
	}
	var (
		e     Entry
		found bool
	)
	err := ix.db.View(func(tx *buntdb.Tx) error {
		got, err := getEntry(tx, name)
		if err != nil {
			if errors.Is(err, cmnerr.ErrFileNotFound) {
				return nil
			}
			return err
		}
		e, found = got, true
		return nil
	})
	return e, found, err
}

// BeginRemove is the REMOVE admission step: if name is absent or not
// STORE_COMPLETE, returns cmnerr.ErrFileNotFound; otherwise atomically
// transitions it to REMOVE_IN_PROGRESS and returns a copy of the entry
// (with its replica set) as it stood at that instant.
func (ix *Index) BeginRemove(name string) (Entry, error) {
	if !ix.seen(name) {
		return Entry{}, cmnerr.ErrFileNotFound
	}
	var out Entry
	err := ix.db.Update(func(tx *buntdb.Tx) error {
		e, err := getEntry(tx, name)
		if err != nil {
			return err
		}
		if e.State != StoreComplete {
			return cmnerr.ErrFileNotFound
		}
		e.State = RemoveInProgress
		if err := setEntry(tx, name, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

// CompleteRemove deletes the index entry once every replica has
// acknowledged.
func (ix *Index) CompleteRemove(name string) error {
	err := ix.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(name)
		return err
	})
	if err == nil {
		ix.forget(name)
	}
	return err
}

func setEntry(tx *buntdb.Tx, name string, e Entry) error {
	b, err := json.MarshalToString(e)
	if err != nil {
		return errors.Wrap(err, "index: marshal entry")
	}
	_, _, err = tx.Set(name, b, nil)
	return err
}

func getEntry(tx *buntdb.Tx, name string) (Entry, error) {
	v, err := tx.Get(name)
	if err == buntdb.ErrNotFound {
		return Entry{}, cmnerr.ErrFileNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, "index: get")
	}
	var e Entry
	if err := json.UnmarshalFromString(v, &e); err != nil {
		return Entry{}, errors.Wrap(err, "index: unmarshal entry")
	}
	return e, nil
}
