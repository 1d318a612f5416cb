package verifyedge

import (
	"bytes"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Key layout (all under the shared leveldb):
//
//	a:cur                   current generation tag
//	a:gen:<tag>             generationMeta
//	a:e:<tag>\x00<key>      CacheEntry (cbor)
//	a:m:<tag>\x00<key>      diskMeta
var (
	keyCurrentGen = []byte("a:cur")
	prefixGen     = []byte("a:gen:")
	prefixEntry   = []byte("a:e:")
	prefixMeta    = []byte("a:m:")
)

type generationState string

const (
	genInstalled generationState = "installed"
	genActive    generationState = "active"
)

type generationMeta struct {
	Tag         string          `msgpack:"tag"`
	State       generationState `msgpack:"state"`
	Resources   []string        `msgpack:"resources"`
	InstalledAt time.Time       `msgpack:"installed_at"`
}

type diskMeta struct {
	Size       int64 `msgpack:"size"`
	LastAccess int64 `msgpack:"last_access"`
	Precached  bool  `msgpack:"precached"`
}

type diskOp struct {
	gen     string
	putKey  string
	putEnt  *CacheEntry
	flushed chan struct{}
}

func genKey(tag string) []byte { return append(append([]byte{}, prefixGen...), tag...) }

func scopedKey(prefix []byte, gen, key string) []byte {
	b := make([]byte, 0, len(prefix)+len(gen)+1+len(key))
	b = append(b, prefix...)
	b = append(b, gen...)
	b = append(b, 0)
	return append(b, key...)
}

func genScope(prefix []byte, gen string) []byte {
	b := make([]byte, 0, len(prefix)+len(gen)+1)
	b = append(b, prefix...)
	b = append(b, gen...)
	return append(b, 0)
}

// assetCache stores cache generations on disk with a RAM tier in front.
// Exactly one generation is current once Activate has run.
type assetCache struct {
	db       *leveldb.DB
	maxBytes int64
	ram      *ramCache
	log      *zap.Logger
	warn     *rateLimitedLogger

	current atomic.Pointer[string]

	// genMu serializes generation deletion against async entry writes so a
	// write for a retired generation can never land after its purge.
	genMu sync.RWMutex

	mu        sync.Mutex
	index     map[string]diskMeta // "<gen>\x00<key>"
	totalSize int64

	// closeMu guards ops against sends after close.
	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
}

// encodeAsset is the entry encoder used for stored generations.
var encodeAsset = encodeEntry

func openAssetCache(db *leveldb.DB, maxBytes int64, ram *ramCache, log *zap.Logger) (*assetCache, error) {
	a := &assetCache{
		db:       db,
		maxBytes: maxBytes,
		ram:      ram,
		log:      log,
		warn:     newRateLimitedLogger(log, time.Minute),
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	cur, err := db.Get(keyCurrentGen, nil)
	switch {
	case err == nil:
		tag := string(cur)
		a.current.Store(&tag)
	case err != leveldb.ErrNotFound:
		return nil, err
	}
	if err := a.loadIndex(); err != nil {
		return nil, err
	}
	go a.writerLoop()
	return a, nil
}

// close stops the writer after it has applied every queued op. Later writes
// are dropped.
func (a *assetCache) close() {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return
	}
	a.closed = true
	close(a.ops)
	a.closeMu.Unlock()
	<-a.done
}

// Current returns the active generation tag, or "" before the first activation.
func (a *assetCache) Current() string {
	if p := a.current.Load(); p != nil {
		return *p
	}
	return ""
}

func (a *assetCache) loadIndex() error {
	it := a.db.NewIterator(util.BytesPrefix(prefixMeta), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), prefixMeta))
		var meta diskMeta
		if err := msgpack.Unmarshal(it.Value(), &meta); err != nil {
			continue
		}
		idx[k] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	a.mu.Lock()
	a.index = idx
	a.totalSize = total
	a.mu.Unlock()
	return nil
}

// Generation returns the stored metadata for tag.
func (a *assetCache) Generation(tag string) (generationMeta, bool, error) {
	b, err := a.db.Get(genKey(tag), nil)
	if err == leveldb.ErrNotFound {
		return generationMeta{}, false, nil
	}
	if err != nil {
		return generationMeta{}, false, err
	}
	var m generationMeta
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return generationMeta{}, false, err
	}
	return m, true, nil
}

// Generations lists every stored generation sorted by tag.
func (a *assetCache) Generations() ([]generationMeta, error) {
	it := a.db.NewIterator(util.BytesPrefix(prefixGen), nil)
	defer it.Release()

	var out []generationMeta
	for it.Next() {
		var m generationMeta
		if err := msgpack.Unmarshal(it.Value(), &m); err != nil {
			m = generationMeta{Tag: string(bytes.TrimPrefix(it.Key(), prefixGen))}
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// StoreGeneration writes a complete generation in one atomic batch. Existing
// entries under the same tag are replaced. Nothing changes unless every entry
// encodes.
func (a *assetCache) StoreGeneration(tag string, entries map[string]CacheEntry) error {
	type encoded struct {
		key        string
		body, meta []byte
		m          diskMeta
	}
	now := time.Now().Unix()
	resources := make([]string, 0, len(entries))
	rows := make([]encoded, 0, len(entries))
	for key, ent := range entries {
		ent.Precached = true
		b, err := encodeAsset(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		meta := diskMeta{Size: int64(len(b)), LastAccess: now, Precached: true}
		mb, err := msgpack.Marshal(&meta)
		if err != nil {
			return err
		}
		rows = append(rows, encoded{key: key, body: b, meta: mb, m: meta})
		resources = append(resources, key)
	}
	sort.Strings(resources)

	a.genMu.Lock()
	defer a.genMu.Unlock()

	state := genInstalled
	if a.Current() == tag {
		state = genActive
	}
	gb, err := msgpack.Marshal(&generationMeta{
		Tag:         tag,
		State:       state,
		Resources:   resources,
		InstalledAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	a.deleteGenerationLocked(batch, tag)
	newIdx := make(map[string]diskMeta, len(rows))
	for _, r := range rows {
		batch.Put(scopedKey(prefixEntry, tag, r.key), r.body)
		batch.Put(scopedKey(prefixMeta, tag, r.key), r.meta)
		newIdx[tag+"\x00"+r.key] = r.m
	}
	batch.Put(genKey(tag), gb)

	if err := a.db.Write(batch, nil); err != nil {
		// The index was already purged for tag; reload to match disk.
		_ = a.loadIndex()
		return err
	}

	a.mu.Lock()
	for k, m := range newIdx {
		a.index[k] = m
		a.totalSize += m.Size
	}
	a.mu.Unlock()
	if a.Current() == tag {
		a.ram.Clear()
	}
	return nil
}

// Activate makes tag the current generation and deletes every other one.
func (a *assetCache) Activate(tag string) ([]string, error) {
	meta, ok, err := a.Generation(tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGeneration, tag)
	}
	gens, err := a.Generations()
	if err != nil {
		return nil, err
	}

	a.genMu.Lock()
	defer a.genMu.Unlock()

	batch := new(leveldb.Batch)
	var retired []string
	for _, g := range gens {
		if g.Tag == tag {
			continue
		}
		a.deleteGenerationLocked(batch, g.Tag)
		batch.Delete(genKey(g.Tag))
		retired = append(retired, g.Tag)
	}
	meta.State = genActive
	gb, err := msgpack.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	batch.Put(genKey(tag), gb)
	batch.Put(keyCurrentGen, []byte(tag))
	if err := a.db.Write(batch, nil); err != nil {
		_ = a.loadIndex()
		return nil, err
	}

	t := tag
	a.current.Store(&t)
	a.ram.Clear()
	return retired, nil
}

// Discard removes a generation that was never activated.
func (a *assetCache) Discard(tag string) error {
	if tag == a.Current() {
		return fmt.Errorf("discard %q: generation is active", tag)
	}
	a.genMu.Lock()
	defer a.genMu.Unlock()
	batch := new(leveldb.Batch)
	a.deleteGenerationLocked(batch, tag)
	batch.Delete(genKey(tag))
	if err := a.db.Write(batch, nil); err != nil {
		_ = a.loadIndex()
		return err
	}
	return nil
}

// deleteGenerationLocked queues deletion of every entry of tag into batch and
// drops it from the index. Caller holds genMu.
func (a *assetCache) deleteGenerationLocked(batch *leveldb.Batch, tag string) {
	for _, prefix := range [][]byte{prefixEntry, prefixMeta} {
		it := a.db.NewIterator(util.BytesPrefix(genScope(prefix, tag)), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()
	}

	scope := tag + "\x00"
	a.mu.Lock()
	for k, m := range a.index {
		if strings.HasPrefix(k, scope) {
			a.totalSize -= m.Size
			delete(a.index, k)
		}
	}
	a.mu.Unlock()
}

func (a *assetCache) Peek(gen, key string) (CacheEntry, bool) {
	b, err := a.db.Get(scopedKey(prefixEntry, gen, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

// Get looks key up in generation gen, RAM first.
func (a *assetCache) Get(gen, key string) (CacheEntry, bool) {
	if gen == "" {
		return CacheEntry{}, false
	}
	if ent, ok := a.ram.Get(gen, key); ok {
		return ent, true
	}
	ent, ok := a.Peek(gen, key)
	if !ok {
		return CacheEntry{}, false
	}
	a.ram.Put(gen, key, ent)

	ik := gen + "\x00" + key
	a.mu.Lock()
	meta, exists := a.index[ik]
	if exists {
		meta.LastAccess = time.Now().Unix()
		a.index[ik] = meta
	}
	a.mu.Unlock()
	if exists {
		a.enqueue(diskOp{gen: gen, putKey: key}) // meta touch
	}
	return ent, true
}

// PutAsync stores ent under key in gen without waiting for the write.
func (a *assetCache) PutAsync(gen, key string, ent CacheEntry) {
	a.ram.Put(gen, key, ent)
	clone := ent
	a.enqueue(diskOp{gen: gen, putKey: key, putEnt: &clone})
}

func (a *assetCache) enqueue(op diskOp) {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ops <- op:
	default:
		a.warn.Warn("asset cache write queue full, dropping write",
			zap.String("generation", op.gen),
			zap.String("key", op.putKey),
		)
	}
}

// flush blocks until every op queued before the call has been applied. It
// returns at once after close.
func (a *assetCache) flush() {
	ch := make(chan struct{})
	a.closeMu.RLock()
	if a.closed {
		a.closeMu.RUnlock()
		return
	}
	a.ops <- diskOp{flushed: ch}
	a.closeMu.RUnlock()
	<-ch
}

func (a *assetCache) writerLoop() {
	defer close(a.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range a.ops {
		if op.flushed != nil {
			close(op.flushed)
			continue
		}
		if op.putKey != "" {
			a.applyPutOrTouch(op.gen, op.putKey, op.putEnt)
		}
	}
}

func (a *assetCache) applyPutOrTouch(gen, key string, ent *CacheEntry) {
	a.genMu.RLock()
	defer a.genMu.RUnlock()

	if ok, _ := a.db.Has(genKey(gen), nil); !ok {
		// generation retired (or never installed) since the op was queued
		return
	}

	now := time.Now().Unix()
	ik := gen + "\x00" + key

	a.mu.Lock()
	meta := a.index[ik]
	a.mu.Unlock()

	batch := new(leveldb.Batch)

	if ent != nil {
		b, err := encodeEntry(*ent)
		if err != nil {
			a.warn.Warn("encode cache entry", zap.String("key", key), zap.Error(err))
			return
		}
		size := int64(len(b))

		a.mu.Lock()
		old := a.index[ik]
		if old.Size > 0 {
			a.totalSize -= old.Size
		}
		meta.Size = size
		meta.LastAccess = now
		meta.Precached = old.Precached || ent.Precached
		a.index[ik] = meta
		a.totalSize += size
		total := a.totalSize
		a.mu.Unlock()

		batch.Put(scopedKey(prefixEntry, gen, key), b)
		mb, _ := msgpack.Marshal(&meta)
		batch.Put(scopedKey(prefixMeta, gen, key), mb)
		if err := a.db.Write(batch, nil); err != nil {
			a.warn.Warn("asset cache write failed", zap.String("key", key), zap.Error(err))
			return
		}

		if a.maxBytes > 0 && total > a.maxBytes {
			a.evictSomeLocked()
		}
		return
	}

	// touch only
	if meta.Size == 0 {
		return
	}
	meta.LastAccess = now
	a.mu.Lock()
	a.index[ik] = meta
	a.mu.Unlock()
	mb, _ := msgpack.Marshal(&meta)
	batch.Put(scopedKey(prefixMeta, gen, key), mb)
	_ = a.db.Write(batch, nil)
}

func (a *assetCache) deleteKeyLocked(gen, key string) {
	batch := new(leveldb.Batch)
	batch.Delete(scopedKey(prefixEntry, gen, key))
	batch.Delete(scopedKey(prefixMeta, gen, key))
	_ = a.db.Write(batch, nil)

	ik := gen + "\x00" + key
	a.mu.Lock()
	if meta, ok := a.index[ik]; ok {
		a.totalSize -= meta.Size
		delete(a.index, ik)
	}
	a.mu.Unlock()
}

// evictSomeLocked drops the least recently accessed 10% of runtime entries.
// Precached entries are never evicted. Caller holds genMu for reading.
func (a *assetCache) evictSomeLocked() {
	type item struct {
		gen, key string
		m        diskMeta
	}
	a.mu.Lock()
	items := make([]item, 0, len(a.index))
	for k, m := range a.index {
		if m.Precached {
			continue
		}
		gen, key, ok := splitIndexKey(k)
		if !ok {
			continue
		}
		items = append(items, item{gen, key, m})
	}
	a.mu.Unlock()

	if len(items) == 0 {
		a.warn.Warn("asset cache over disk budget with only precached entries",
			zap.Int64("max_bytes", a.maxBytes),
		)
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		a.ram.Delete(items[i].gen, items[i].key)
		a.deleteKeyLocked(items[i].gen, items[i].key)
	}
	a.warn.Warn("asset cache over disk budget, evicted runtime entries", zap.Int("evicted", n))
}

func splitIndexKey(k string) (gen, key string, ok bool) {
	i := strings.IndexByte(k, 0)
	if i < 0 {
		return "", "", false
	}
	return k[:i], k[i+1:], true
}

func (a *assetCache) TotalSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalSize
}

// KeyCount returns the number of entries stored for gen.
func (a *assetCache) KeyCount(gen string) int {
	scope := gen + "\x00"
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k := range a.index {
		if strings.HasPrefix(k, scope) {
			n++
		}
	}
	return n
}

// Keys returns the sorted keys stored for gen.
func (a *assetCache) Keys(gen string) []string {
	scope := gen + "\x00"
	a.mu.Lock()
	out := make([]string, 0, len(a.index))
	for k := range a.index {
		if strings.HasPrefix(k, scope) {
			out = append(out, k[len(scope):])
		}
	}
	a.mu.Unlock()
	sort.Strings(out)
	return out
}
