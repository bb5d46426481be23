package storage

import (
	"sync"

	"github.com/google/btree"
	"github.com/quillstore/quill/internal/model"
)

type indexItem struct {
	key    model.VersionKey
	offset int64
}

func indexLess(a, b indexItem) bool {
	if a.key.Collection != b.key.Collection {
		return a.key.Collection < b.key.Collection
	}
	return a.key.Key < b.key.Key
}

// Index maps logical keys to the file offset of their latest store entry.
// It is derived state only: rebuilt by a full scan on every start and never
// persisted.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[indexItem]
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{tree: btree.NewG(32, indexLess)}
}

// Put records the latest entry offset for key.
func (i *Index) Put(key model.VersionKey, offset int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tree.ReplaceOrInsert(indexItem{key: key, offset: offset})
}

// Get returns the latest entry offset for key.
func (i *Index) Get(key model.VersionKey) (int64, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	item, ok := i.tree.Get(indexItem{key: key})
	if !ok {
		return 0, false
	}
	return item.offset, true
}

// Len returns the number of indexed keys.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tree.Len()
}

// AscendCollection visits every indexed key of a collection in key order.
func (i *Index) AscendCollection(collection string, fn func(key model.VersionKey, offset int64) bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	pivot := indexItem{key: model.VersionKey{Collection: collection}}
	i.tree.AscendGreaterOrEqual(pivot, func(item indexItem) bool {
		if item.key.Collection != collection {
			return false
		}
		return fn(item.key, item.offset)
	})
}
