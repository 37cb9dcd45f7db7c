// Package store is the page store behind the request protocol.
//
// Values live in fixed-size pages of a single page file. A badger index maps
// each key to its page, and a ristretto cache keeps recently used values in
// memory. Page data moves through the disk I/O subsystem of the core that
// serves the request; index and cache are shared by all cores.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-kvcore/internal/constants"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrValueTooLarge = errors.New("value too large")
	ErrCorruptPage   = errors.New("corrupt page")
	ErrClosed        = errors.New("store closed")
)

const (
	indexDir  = "index"
	pageFile  = "pages.dat"
	prefixKey = "key:"

	// gcDiscardRatio is passed to badger value-log GC
	gcDiscardRatio = 0.5
)

// Options configures a Store.
type Options struct {
	Dir       string
	PageSize  int
	CacheSize int64 // value cache budget in bytes
	// InMemoryIndex keeps the badger index in memory. Used by tests.
	InMemoryIndex bool
	Logger        *logging.Logger
}

// Stats is a snapshot of store counters.
type Stats struct {
	Pages       uint32
	FreePages   int
	PinnedPages int
	CacheHits   uint64
	CacheMisses uint64
	Reads       uint64
	Writes      uint64
}

// Store is safe for concurrent use by all cores.
type Store struct {
	db       *badger.DB
	pages    *os.File
	pageSize int
	inMemory bool
	cache    *ristretto.Cache[string, []byte]
	logger   *logging.Logger

	mu      sync.Mutex
	next    uint32              // first never-used page
	free    []uint32            // pages released by deletes and overwrites
	readers map[uint32]int      // in-flight reads per pinned page
	retired map[uint32]struct{} // released pages still pinned by a reader
	close   sync.Once

	hits, misses, reads, writes atomic.Uint64
}

// Open opens or creates a store in opts.Dir. The free-page list is rebuilt
// from the index: every page below the highest referenced one that no key
// points at is free.
func Open(opts Options) (*Store, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = constants.DefaultPageSize
	}
	if opts.PageSize <= pageHeader {
		return nil, fmt.Errorf("store: page size %d too small", opts.PageSize)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = constants.DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	logger := opts.Logger.WithComponent("store")

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", opts.Dir, err)
	}

	bopts := badger.DefaultOptions(filepath.Join(opts.Dir, indexDir)).
		WithLogger(logger).
		WithSyncWrites(false).
		WithBlockCacheSize(opts.CacheSize / 8).
		WithIndexCacheSize(opts.CacheSize / 16)
	if opts.InMemoryIndex {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open index: %w", err)
	}

	pages, err := os.OpenFile(filepath.Join(opts.Dir, pageFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open page file: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        max(opts.CacheSize/int64(opts.PageSize)*10, 1e4),
		MaxCost:            opts.CacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		pages.Close()
		db.Close()
		return nil, fmt.Errorf("store: create cache: %w", err)
	}

	s := &Store{
		db:       db,
		pages:    pages,
		pageSize: opts.PageSize,
		inMemory: opts.InMemoryIndex,
		cache:    cache,
		logger:   logger,
		readers:  make(map[uint32]int),
		retired:  make(map[uint32]struct{}),
	}
	if err := s.rebuildFreeList(); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("store opened",
		"dir", opts.Dir,
		"page_size", humanize.IBytes(uint64(opts.PageSize)),
		"cache", humanize.IBytes(uint64(opts.CacheSize)),
		"pages", s.next,
		"free", len(s.free))
	return s, nil
}

func (s *Store) rebuildFreeList() error {
	used := make(map[uint32]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixKey)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				page, err := decodePageNo(val)
				if err != nil {
					return err
				}
				used[page] = struct{}{}
				if page >= s.next {
					s.next = page + 1
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: scan index: %w", err)
	}
	for p := uint32(0); p < s.next; p++ {
		if _, ok := used[p]; !ok {
			s.free = append(s.free, p)
		}
	}
	return nil
}

// PageSize returns the size of one page.
func (s *Store) PageSize() int { return s.pageSize }

// Fd returns the page file descriptor.
func (s *Store) Fd() int { return int(s.pages.Fd()) }

// PageOffset returns the file offset of page.
func (s *Store) PageOffset(page uint32) int64 { return int64(page) * int64(s.pageSize) }

// Cached returns the cached value of key.
func (s *Store) Cached(key string) ([]byte, bool) {
	v, ok := s.cache.Get(key)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return v, ok
}

// Locate returns the page holding key.
func (s *Store) Locate(key string) (uint32, error) {
	return s.locate(key)
}

// Pin locates key and keeps its page from being reused until Unpin, so a
// read scheduled for the page cannot observe another key's value.
func (s *Store) Pin(key string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, err := s.locate(key)
	if err != nil {
		return 0, err
	}
	s.readers[page]++
	return page, nil
}

// Unpin ends a read of page started with Pin.
func (s *Store) Unpin(page uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.readers[page]; n > 1 {
		s.readers[page] = n - 1
		return
	}
	delete(s.readers, page)
	if _, ok := s.retired[page]; ok {
		delete(s.retired, page)
		s.free = append(s.free, page)
	}
}

func (s *Store) locate(key string) (uint32, error) {
	var page uint32
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			page, err = decodePageNo(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return 0, ErrClosed
	}
	return page, err
}

// Allocate reserves a page for a value about to be written.
func (s *Store) Allocate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		page := s.free[n-1]
		s.free = s.free[:n-1]
		return page
	}
	page := s.next
	s.next++
	return page
}

// Release returns a page to the free list. A page still pinned by a
// reader is retired instead and freed by the last Unpin.
func (s *Store) Release(page uint32) {
	s.mu.Lock()
	s.releaseLocked(page)
	s.mu.Unlock()
}

func (s *Store) releaseLocked(page uint32) {
	if s.readers[page] > 0 {
		s.retired[page] = struct{}{}
		return
	}
	s.free = append(s.free, page)
}

// Commit points key at page once the page has been written, releasing
// the page key used before, and caches value.
func (s *Store) Commit(key string, page uint32, value []byte) error {
	old, had, err := s.swap(key, &page)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if had && old != page {
		s.releaseLocked(old)
	}
	s.cache.Set(key, value, int64(len(value)))
	s.mu.Unlock()
	s.writes.Add(1)
	return nil
}

// Delete removes key. It returns ErrNotFound when key is absent.
func (s *Store) Delete(key string) error {
	old, had, err := s.swap(key, nil)
	if err != nil {
		return err
	}
	if !had {
		return ErrNotFound
	}
	s.mu.Lock()
	s.cache.Del(key)
	s.releaseLocked(old)
	s.mu.Unlock()
	return nil
}

// swap replaces (or with a nil page, deletes) the index entry of key and
// returns the page it referenced before.
func (s *Store) swap(key string, page *uint32) (old uint32, had bool, err error) {
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(key))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				old, err = decodePageNo(val)
				return err
			}); err != nil {
				return err
			}
			had = true
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if page == nil {
			if !had {
				return nil
			}
			return txn.Delete(indexKey(key))
		}
		return txn.Set(indexKey(key), encodePageNo(*page))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		err = ErrClosed
	}
	return old, had, err
}

// Remember caches a value read from page, unless key has since been
// deleted or moved to another page.
func (s *Store) Remember(key string, page uint32, value []byte) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, err := s.locate(key); err == nil && cur == page {
		s.cache.Set(key, value, int64(len(value)))
	}
}

// Sync makes every committed write durable: the index is synced and the
// page file flushed with fdatasync.
func (s *Store) Sync() error {
	if !s.inMemory {
		if err := s.db.Sync(); err != nil {
			return fmt.Errorf("store: sync index: %w", err)
		}
	}
	if err := unix.Fdatasync(s.Fd()); err != nil {
		return fmt.Errorf("store: fdatasync pages: %w", err)
	}
	return nil
}

// RunGC rewrites badger value-log files until no more can be reclaimed.
// It returns how many files were rewritten.
func (s *Store) RunGC() (int, error) {
	if s.inMemory {
		return 0, nil
	}
	n := 0
	for {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("store: value log gc: %w", err)
		}
		n++
	}
}

// WaitCache blocks until pending cache writes are applied.
func (s *Store) WaitCache() { s.cache.Wait() }

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	pages, free, pinned := s.next, len(s.free), len(s.readers)
	s.mu.Unlock()
	return Stats{
		Pages:       pages,
		FreePages:   free,
		PinnedPages: pinned,
		CacheHits:   s.hits.Load(),
		CacheMisses: s.misses.Load(),
		Reads:       s.reads.Load(),
		Writes:      s.writes.Load(),
	}
}

// Close flushes and closes index, page file and cache.
func (s *Store) Close() error {
	var err error
	s.close.Do(func() {
		s.cache.Close()
		err = errors.Join(s.Sync(), s.pages.Close(), s.db.Close())
	})
	return err
}

func indexKey(key string) []byte { return []byte(prefixKey + key) }

func encodePageNo(page uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, page)
	return b
}

func decodePageNo(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: index entry of %d bytes", ErrCorruptPage, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
