// Package watermark implements high-watermark double-signing protection:
// for each (chain id, public key hash) pair it tracks the highest
// (level, round) signed for blocks, preattestations, and attestations, and
// refuses any request that would sign at or below that mark.
//
// State is cached in memory, bounded by an LRU eviction policy, and
// persisted to three JSON files per storage directory in the same
// "{chain_id: {pkh: watermark}}" shape the reference signer writes, so an
// operator can migrate a watermark directory between implementations.
package watermark

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/russignol/signer/bls"
	"github.com/russignol/signer/log"
	"github.com/russignol/signer/magicbytes"
)

// MaxCacheEntries bounds the number of (chain id, pkh) pairs held in memory
// at once. Normal operation uses 1-3 entries, one per configured key; 100
// comfortably covers any legitimate multi-key setup while still bounding
// memory on resource-constrained signing devices.
const MaxCacheEntries = 100

// MaxWatermarkFileSize rejects watermark files larger than this, treating
// them as corrupt rather than risking an out-of-memory read. Normal files
// are 1-2KB.
const MaxWatermarkFileSize = 64 * 1024

const (
	blockFile     = "block_high_watermark"
	preattestFile = "preattestation_high_watermark"
	attestFile    = "attestation_high_watermark"
)

// OperationWatermark is the persisted state for one operation type at one
// key: the highest level/round signed, the hex-encoded payload hash, and
// the base58check signature produced for it.
type OperationWatermark struct {
	Level     uint32 `json:"level"`
	Round     uint32 `json:"round"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

// Entry holds the three operation-type watermarks tracked for a single
// (chain id, pkh) pair.
type Entry struct {
	Block     *OperationWatermark
	Preattest *OperationWatermark
	Attest    *OperationWatermark
}

// hasAnySignature reports whether any operation in the entry was actually
// signed (as opposed to merely probed and rejected).
func (e *Entry) hasAnySignature() bool {
	has := func(w *OperationWatermark) bool { return w != nil && w.Signature != "" }
	return has(e.Block) || has(e.Preattest) || has(e.Attest)
}

func (e *Entry) get(opType opType) *OperationWatermark {
	switch opType {
	case opBlock:
		return e.Block
	case opPreattest:
		return e.Preattest
	case opAttest:
		return e.Attest
	default:
		return nil
	}
}

func (e *Entry) set(opType opType, wm *OperationWatermark) {
	switch opType {
	case opBlock:
		e.Block = wm
	case opPreattest:
		e.Preattest = wm
	case opAttest:
		e.Attest = wm
	}
}

type opType int

const (
	opBlock opType = iota
	opPreattest
	opAttest
)

func opTypeFromMagicByte(b byte) (opType, bool) {
	switch magicbytes.MagicByte(b) {
	case magicbytes.Block:
		return opBlock, true
	case magicbytes.PreAttestation:
		return opPreattest, true
	case magicbytes.Attestation:
		return opAttest, true
	default:
		return 0, false
	}
}

// Error reports a watermark check failure, distinguishing the caller-facing
// reasons a signing request can be refused.
type Error struct {
	Kind            string
	Current         uint32
	Requested       uint32
	Level           uint32
	ChainID         string
	PKH             string
	Gap             uint32
	Cycles          uint32
	Underlying      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case "level_too_low":
		return fmt.Sprintf("watermark: level too low: requested %d, current high watermark %d", e.Requested, e.Current)
	case "round_too_low":
		return fmt.Sprintf("watermark: round too low at level %d: requested %d, current high watermark %d", e.Level, e.Requested, e.Current)
	case "invalid_data":
		return fmt.Sprintf("watermark: invalid data: %v", e.Underlying)
	case "not_initialized":
		return fmt.Sprintf("watermark: not initialized for chain %s, key %s", e.ChainID, e.PKH)
	case "large_level_gap":
		return fmt.Sprintf("watermark: large level gap: %d blocks (~%d cycles). current: %d, requested: %d",
			e.Gap, e.Cycles, e.Current, e.Requested)
	default:
		return "watermark: error"
	}
}

func errLevelTooLow(current, requested uint32) *Error {
	return &Error{Kind: "level_too_low", Current: current, Requested: requested}
}

func errRoundTooLow(level, current, requested uint32) *Error {
	return &Error{Kind: "round_too_low", Level: level, Current: current, Requested: requested}
}

func errInvalidData(err error) *Error {
	return &Error{Kind: "invalid_data", Underlying: err}
}

func errNotInitialized(chainID, pkh string) *Error {
	return &Error{Kind: "not_initialized", ChainID: chainID, PKH: pkh}
}

// ErrNotInitialized reports whether err is a not-initialized watermark
// error, so callers (the request handler) can distinguish it from an
// ordinary refusal.
func ErrNotInitialized(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == "not_initialized"
}

// LargeLevelGapError builds the refusal returned when a signing request
// jumps too far past the stored watermark (stale-watermark detection). The
// gap threshold itself is the request handler's policy; the error shape
// lives here with the other watermark refusals.
func LargeLevelGapError(currentLevel, requestedLevel, gap, cycles uint32) *Error {
	return &Error{
		Kind:      "large_level_gap",
		Current:   currentLevel,
		Requested: requestedLevel,
		Gap:       gap,
		Cycles:    cycles,
	}
}

// ErrLargeLevelGap reports whether err is a large-level-gap refusal.
func ErrLargeLevelGap(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == "large_level_gap"
}

type cacheKey struct {
	chainID bls.ChainID
	pkh     bls.PublicKeyHash
}

// Store is the high-watermark tracker for every configured key.
type Store struct {
	baseDir string
	log     *log.Logger

	mu       sync.RWMutex
	cache    map[cacheKey]*Entry
	lruOrder []cacheKey
}

// NewStore creates a watermark tracker rooted at baseDir, creating the
// directory if it does not already exist.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	return &Store{
		baseDir: baseDir,
		log:     log.Default().Module("watermark"),
		cache:   make(map[cacheKey]*Entry),
	}, nil
}

// CheckAndUpdate validates that data's (level, round) is strictly above the
// tracked high watermark for its operation type, and if so, records it in
// memory (the signature field is filled in later via UpdateSignature, and
// the update is not persisted to disk until FlushToDisk runs). Operation
// types other than block/preattestation/attestation are not watermarked and
// always succeed.
func (s *Store) CheckAndUpdate(chainID bls.ChainID, pkh bls.PublicKeyHash, data []byte) error {
	if len(data) == 0 {
		return errInvalidData(fmt.Errorf("empty data"))
	}

	ot, ok := opTypeFromMagicByte(data[0])
	if !ok {
		return nil
	}

	var (
		level, round uint32
		err          error
	)
	switch ot {
	case opBlock:
		level, round, err = magicbytes.BlockLevelRound(data)
	case opPreattest, opAttest:
		level, round, err = magicbytes.AttestationLevelRound(data, true)
	}
	if err != nil {
		return errInvalidData(err)
	}

	key := cacheKey{chainID: chainID, pkh: pkh}
	entry := s.getOrLoad(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read the authoritative entry inside the lock: a concurrent eviction
	// may have replaced the pointer getOrLoad returned.
	if cached, ok := s.cache[key]; ok {
		entry = cached
	}

	current := entry.get(ot)
	if current == nil {
		return errNotInitialized(chainID.ToB58Check(), pkh.ToB58Check())
	}
	if level < current.Level {
		return errLevelTooLow(current.Level, level)
	}
	if level == current.Level && round <= current.Round {
		return errRoundTooLow(level, current.Round, round)
	}

	entry.set(ot, &OperationWatermark{
		Level: level,
		Round: round,
		Hash:  hex.EncodeToString(data),
	})
	return nil
}

// UpdateSignature records the signature produced for the most recent
// CheckAndUpdate call on this key. It is an in-memory update only; call
// FlushToDisk afterward to persist it.
func (s *Store) UpdateSignature(chainID bls.ChainID, pkh bls.PublicKeyHash, data []byte, sig bls.Signature) error {
	if len(data) == 0 {
		return errInvalidData(fmt.Errorf("empty data"))
	}
	ot, ok := opTypeFromMagicByte(data[0])
	if !ok {
		return nil
	}

	key := cacheKey{chainID: chainID, pkh: pkh}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return nil
	}
	if wm := entry.get(ot); wm != nil {
		wm.Signature = sig.ToB58Check()
	}
	return nil
}

// GetCurrentLevel returns the highest level across all three operation
// types for key, consulting the cache and falling back to disk.
func (s *Store) GetCurrentLevel(chainID bls.ChainID, pkh bls.PublicKeyHash) (uint32, bool) {
	key := cacheKey{chainID: chainID, pkh: pkh}

	s.mu.RLock()
	if entry, ok := s.cache[key]; ok {
		level, found := maxLevel(entry)
		s.mu.RUnlock()
		if found {
			return level, true
		}
	} else {
		s.mu.RUnlock()
	}

	entry := s.loadFromDisk(chainID, pkh)
	return maxLevel(entry)
}

func maxLevel(e *Entry) (uint32, bool) {
	found := false
	var max uint32
	consider := func(w *OperationWatermark) {
		if w == nil {
			return
		}
		if !found || w.Level > max {
			max = w.Level
			found = true
		}
	}
	consider(e.Block)
	consider(e.Preattest)
	consider(e.Attest)
	return max, found
}

// UpdateToLevel forcibly resets all three operation-type watermarks for key
// to (level, round=0), used after an operator confirms a large level gap is
// legitimate (e.g. restoring from backup onto a new chain height). It
// persists immediately.
func (s *Store) UpdateToLevel(chainID bls.ChainID, pkh bls.PublicKeyHash, level uint32) error {
	key := cacheKey{chainID: chainID, pkh: pkh}

	s.mu.Lock()
	entry, ok := s.cache[key]
	if !ok {
		entry = &Entry{}
		s.cache[key] = entry
		s.touchLRULocked(key)
	}
	entry.Block = &OperationWatermark{Level: level}
	entry.Preattest = &OperationWatermark{Level: level}
	entry.Attest = &OperationWatermark{Level: level}
	s.mu.Unlock()

	return s.saveToDisk(chainID, pkh)
}

// FlushToDisk persists the cached watermark for key. It is meant to be
// called after the TCP response for a Sign request has already been
// written, so a slow disk never delays delivering the signature.
func (s *Store) FlushToDisk(chainID bls.ChainID, pkh bls.PublicKeyHash) error {
	return s.saveToDisk(chainID, pkh)
}

// FlushAll persists every cached watermark, logging (not failing on)
// individual errors. Intended for use at shutdown.
func (s *Store) FlushAll() error {
	s.mu.RLock()
	keys := make([]cacheKey, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if err := s.saveToDisk(k.chainID, k.pkh); err != nil {
			s.log.Error("failed to flush watermark", "pkh", k.pkh.ToB58Check(), "err", err)
		}
	}
	return nil
}

// getOrLoad returns the cached entry for key, loading it from disk (or
// creating an empty one) on first access, and evicting the least recently
// used entry if the cache is at capacity.
func (s *Store) getOrLoad(key cacheKey) *Entry {
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok {
		s.touchLRULocked(key)
		s.mu.Unlock()
		return entry
	}
	s.mu.Unlock()

	entry := s.loadFromDisk(key.chainID, key.pkh)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cache[key]; ok {
		s.touchLRULocked(key)
		return existing
	}

	for len(s.cache) >= MaxCacheEntries && len(s.lruOrder) > 0 {
		oldest := s.lruOrder[0]
		s.lruOrder = s.lruOrder[1:]
		if old, ok := s.cache[oldest]; ok {
			if old.hasAnySignature() {
				if err := s.saveToDiskLocked(oldest.chainID, oldest.pkh, old); err != nil {
					s.log.Error("failed to flush evicted watermark", "err", err)
				}
			}
			delete(s.cache, oldest)
		}
	}

	s.cache[key] = entry
	s.lruOrder = append(s.lruOrder, key)
	return entry
}

// touchLRULocked moves key to the back (most recently used) of the LRU
// order. Callers must hold s.mu.
func (s *Store) touchLRULocked(key cacheKey) {
	for i, k := range s.lruOrder {
		if k == key {
			s.lruOrder = append(s.lruOrder[:i], s.lruOrder[i+1:]...)
			break
		}
	}
	s.lruOrder = append(s.lruOrder, key)
}

func (s *Store) saveToDisk(chainID bls.ChainID, pkh bls.PublicKeyHash) error {
	key := cacheKey{chainID: chainID, pkh: pkh}
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.saveToDiskLocked(chainID, pkh, entry)
}

func (s *Store) saveToDiskLocked(chainID bls.ChainID, pkh bls.PublicKeyHash, entry *Entry) error {
	chainB58 := chainID.ToB58Check()
	pkhB58 := pkh.ToB58Check()

	if entry.Block != nil {
		if err := s.saveOperationFile(blockFile, chainB58, pkhB58, entry.Block); err != nil {
			return err
		}
	}
	if entry.Preattest != nil {
		if err := s.saveOperationFile(preattestFile, chainB58, pkhB58, entry.Preattest); err != nil {
			return err
		}
	}
	if entry.Attest != nil {
		if err := s.saveOperationFile(attestFile, chainB58, pkhB58, entry.Attest); err != nil {
			return err
		}
	}
	return nil
}

// saveOperationFile merges wm into the {chain_id: {pkh: watermark}} document
// stored at filename, creating or reinitializing the document as needed.
func (s *Store) saveOperationFile(filename, chainID, pkh string, wm *OperationWatermark) error {
	path := filepath.Join(s.baseDir, filename)

	doc := map[string]map[string]*OperationWatermark{}
	if info, err := os.Stat(path); err == nil {
		if info.Size() > MaxWatermarkFileSize {
			s.log.Warn("watermark file too large, reinitializing", "path", path, "size", info.Size())
		} else if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
			if jerr := json.Unmarshal(raw, &doc); jerr != nil {
				s.log.Warn("reinitializing corrupted watermark file", "path", path, "err", jerr)
				doc = map[string]map[string]*OperationWatermark{}
			}
		}
	}

	if doc[chainID] == nil {
		doc[chainID] = map[string]*OperationWatermark{}
	}
	doc[chainID][pkh] = wm

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// loadFromDisk reads all three operation-type files for key, tolerating
// missing, empty, oversized, or corrupt files by treating them as absent.
func (s *Store) loadFromDisk(chainID bls.ChainID, pkh bls.PublicKeyHash) *Entry {
	chainB58 := chainID.ToB58Check()
	pkhB58 := pkh.ToB58Check()

	return &Entry{
		Block:     s.loadOperationFile(blockFile, chainB58, pkhB58),
		Preattest: s.loadOperationFile(preattestFile, chainB58, pkhB58),
		Attest:    s.loadOperationFile(attestFile, chainB58, pkhB58),
	}
}

func (s *Store) loadOperationFile(filename, chainID, pkh string) *OperationWatermark {
	path := filepath.Join(s.baseDir, filename)

	info, err := os.Stat(path)
	if err != nil {
		return nil // missing file: empty watermark, not an error
	}
	if info.Size() > MaxWatermarkFileSize {
		s.log.Warn("refusing to load oversized watermark file", "path", path, "size", info.Size())
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("failed to read watermark file", "path", path, "err", err)
		return nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		s.log.Warn("watermark file is empty", "path", path)
		return nil
	}

	var doc map[string]map[string]*OperationWatermark
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Warn("watermark file contains invalid JSON", "path", path, "err", err)
		return nil
	}

	chainEntries, ok := doc[chainID]
	if !ok {
		return nil
	}
	return chainEntries[pkh]
}
