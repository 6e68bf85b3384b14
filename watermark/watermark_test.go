package watermark

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/russignol/signer/bls"
	"github.com/russignol/signer/magicbytes"
)

func testChainID(b byte) bls.ChainID {
	return bls.ChainIDFromWireBytes([4]byte{0, 0, 0, b})
}

func testPKH(b byte) bls.PublicKeyHash {
	var raw [20]byte
	for i := range raw {
		raw[i] = b
	}
	pkh, _ := bls.PublicKeyHashFromBytes(raw[:])
	return pkh
}

func blockPayload(chainID bls.ChainID, level, round uint32) []byte {
	wire := chainID.WireBytes()
	data := []byte{byte(magicbytes.Block)}
	data = append(data, wire[:]...)
	data = binary.BigEndian.AppendUint32(data, level)
	data = append(data, 0)
	data = append(data, make([]byte, 32)...)
	data = append(data, make([]byte, 8)...)
	data = append(data, 0)
	data = append(data, make([]byte, 32)...)
	data = binary.BigEndian.AppendUint32(data, 8)
	data = binary.BigEndian.AppendUint32(data, 0)
	data = binary.BigEndian.AppendUint32(data, round)
	return data
}

func attestationPayload(magic magicbytes.MagicByte, chainID bls.ChainID, level, round uint32) []byte {
	wire := chainID.WireBytes()
	data := []byte{byte(magic)}
	data = append(data, wire[:]...)
	data = append(data, make([]byte, 32)...)
	data = append(data, 0)
	data = binary.BigEndian.AppendUint32(data, level)
	data = binary.BigEndian.AppendUint32(data, round)
	return data
}

func newStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func testSignature(t *testing.T) bls.Signature {
	t.Helper()
	seed := [32]byte{9}
	_, _, sk, err := bls.GenerateKey(&seed)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return bls.Sign(sk, []byte("payload"), nil)
}

func TestNotInitializedGate(t *testing.T) {
	s := newStore(t, t.TempDir())
	chain, pkh := testChainID(1), testPKH(1)

	err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 100, 0))
	if !ErrNotInitialized(err) {
		t.Fatalf("expected not_initialized for unseeded key, got %v", err)
	}
}

func TestMonotoneBlockWatermark(t *testing.T) {
	s := newStore(t, t.TempDir())
	chain, pkh := testChainID(1), testPKH(1)
	if err := s.UpdateToLevel(chain, pkh, 99); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}

	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 100, 0)); err != nil {
		t.Fatalf("level 100: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 101, 0)); err != nil {
		t.Fatalf("level 101: %v", err)
	}

	err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 99, 0))
	werr, ok := err.(*Error)
	if !ok || werr.Kind != "level_too_low" || werr.Current != 101 || werr.Requested != 99 {
		t.Fatalf("expected level_too_low{current: 101, requested: 99}, got %v", err)
	}

	err = s.CheckAndUpdate(chain, pkh, blockPayload(chain, 101, 0))
	werr, ok = err.(*Error)
	if !ok || werr.Kind != "round_too_low" || werr.Level != 101 || werr.Current != 0 || werr.Requested != 0 {
		t.Fatalf("expected round_too_low{level: 101, current: 0, requested: 0}, got %v", err)
	}

	// A higher round at the same level is allowed.
	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 101, 1)); err != nil {
		t.Fatalf("level 101 round 1: %v", err)
	}
}

func TestPerOpTypeIndependence(t *testing.T) {
	s := newStore(t, t.TempDir())
	chain, pkh := testChainID(1), testPKH(1)
	if err := s.UpdateToLevel(chain, pkh, 500); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}

	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 1000, 0)); err != nil {
		t.Fatalf("block at 1000: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, attestationPayload(magicbytes.Attestation, chain, 999, 0)); err != nil {
		t.Fatalf("attestation at 999: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 999, 0)); err == nil {
		t.Fatal("block at 999 must fail after block at 1000")
	}
	if err := s.CheckAndUpdate(chain, pkh, attestationPayload(magicbytes.PreAttestation, chain, 998, 0)); err != nil {
		t.Fatalf("preattestation slot is independent: %v", err)
	}
}

func TestNonConsensusPayloadSkipsWatermark(t *testing.T) {
	s := newStore(t, t.TempDir())
	chain, pkh := testChainID(1), testPKH(1)

	// Unknown magic byte: watermarking does not apply, even unseeded.
	if err := s.CheckAndUpdate(chain, pkh, []byte{0x05, 1, 2, 3}); err != nil {
		t.Fatalf("non-consensus payload must pass: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, nil); err == nil {
		t.Fatal("empty payload must be invalid")
	}
}

func TestUpdateSignatureAndPersistence(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	chain, pkh := testChainID(1), testPKH(1)
	if err := s.UpdateToLevel(chain, pkh, 99); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}

	payload := blockPayload(chain, 100, 2)
	if err := s.CheckAndUpdate(chain, pkh, payload); err != nil {
		t.Fatalf("CheckAndUpdate: %v", err)
	}
	sig := testSignature(t)
	if err := s.UpdateSignature(chain, pkh, payload, sig); err != nil {
		t.Fatalf("UpdateSignature: %v", err)
	}
	if err := s.FlushToDisk(chain, pkh); err != nil {
		t.Fatalf("FlushToDisk: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "block_high_watermark"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var doc map[string]map[string]*OperationWatermark
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("persisted file is not valid JSON: %v", err)
	}
	wm := doc[chain.ToB58Check()][pkh.ToB58Check()]
	if wm == nil {
		t.Fatal("entry missing from persisted document")
	}
	if wm.Level != 100 || wm.Round != 2 {
		t.Fatalf("persisted (level, round) = (%d, %d), want (100, 2)", wm.Level, wm.Round)
	}
	if wm.Hash != fmt.Sprintf("%x", payload) {
		t.Fatal("persisted hash is not the lowercase hex of the payload")
	}
	if wm.Signature != sig.ToB58Check() {
		t.Fatal("persisted signature mismatch")
	}

	// A fresh store over the same directory sees the persisted state.
	s2 := newStore(t, dir)
	if err := s2.CheckAndUpdate(chain, pkh, blockPayload(chain, 100, 2)); err == nil {
		t.Fatal("fresh store must refuse the already-signed (level, round)")
	}
	if err := s2.CheckAndUpdate(chain, pkh, blockPayload(chain, 101, 0)); err != nil {
		t.Fatalf("fresh store must allow the next level: %v", err)
	}
}

func TestUnrelatedEntriesPreserved(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	chainA, chainB := testChainID(1), testChainID(2)
	pkhA, pkhB := testPKH(1), testPKH(2)

	if err := s.UpdateToLevel(chainA, pkhA, 10); err != nil {
		t.Fatalf("UpdateToLevel A: %v", err)
	}
	if err := s.UpdateToLevel(chainB, pkhB, 20); err != nil {
		t.Fatalf("UpdateToLevel B: %v", err)
	}
	// Rewriting A's entry must not clobber B's.
	if err := s.UpdateToLevel(chainA, pkhA, 30); err != nil {
		t.Fatalf("UpdateToLevel A again: %v", err)
	}

	s2 := newStore(t, dir)
	if level, ok := s2.GetCurrentLevel(chainB, pkhB); !ok || level != 20 {
		t.Fatalf("chain B entry lost: level=%d ok=%v", level, ok)
	}
	if level, ok := s2.GetCurrentLevel(chainA, pkhA); !ok || level != 30 {
		t.Fatalf("chain A entry: level=%d ok=%v", level, ok)
	}
}

func TestMalformedFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "block_high_watermark"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := newStore(t, dir)
	chain, pkh := testChainID(1), testPKH(1)

	// Malformed block file means no block record: the initialization gate
	// engages rather than a parse failure propagating.
	err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 5, 0))
	if !ErrNotInitialized(err) {
		t.Fatalf("expected not_initialized over corrupt file, got %v", err)
	}
}

func TestOversizedFileRefused(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat(" ", MaxWatermarkFileSize+1)
	if err := os.WriteFile(filepath.Join(dir, "block_high_watermark"), []byte(big), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := newStore(t, dir)
	chain, pkh := testChainID(1), testPKH(1)

	err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 5, 0))
	if !ErrNotInitialized(err) {
		t.Fatalf("oversized file must read as missing, got %v", err)
	}
}

func TestUpdateToLevelResetsAllOpTypes(t *testing.T) {
	s := newStore(t, t.TempDir())
	chain, pkh := testChainID(1), testPKH(1)
	if err := s.UpdateToLevel(chain, pkh, 1000); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}

	// All three op types start exactly above (1000, 0).
	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 1000, 1)); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, attestationPayload(magicbytes.PreAttestation, chain, 1001, 0)); err != nil {
		t.Fatalf("preattestation: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, attestationPayload(magicbytes.Attestation, chain, 1001, 0)); err != nil {
		t.Fatalf("attestation: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 999, 0)); err == nil {
		t.Fatal("level below reset must be refused")
	}
}

func TestGetCurrentLevel(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	chain, pkh := testChainID(1), testPKH(1)

	if _, ok := s.GetCurrentLevel(chain, pkh); ok {
		t.Fatal("unseeded key must have no current level")
	}

	if err := s.UpdateToLevel(chain, pkh, 50); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}
	if err := s.CheckAndUpdate(chain, pkh, attestationPayload(magicbytes.Attestation, chain, 75, 0)); err != nil {
		t.Fatalf("attestation: %v", err)
	}
	if level, ok := s.GetCurrentLevel(chain, pkh); !ok || level != 75 {
		t.Fatalf("current level = %d (ok=%v), want 75", level, ok)
	}

	// Cache miss path: a fresh store reads the persisted maximum (75 was
	// not flushed; the persisted state is the reset at 50).
	s2 := newStore(t, dir)
	if level, ok := s2.GetCurrentLevel(chain, pkh); !ok || level != 50 {
		t.Fatalf("persisted current level = %d (ok=%v), want 50", level, ok)
	}
}

func TestFlushAll(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	chain := testChainID(1)

	for i := byte(1); i <= 3; i++ {
		pkh := testPKH(i)
		if err := s.UpdateToLevel(chain, pkh, 10); err != nil {
			t.Fatalf("UpdateToLevel: %v", err)
		}
		if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 20, 0)); err != nil {
			t.Fatalf("CheckAndUpdate: %v", err)
		}
	}
	if err := s.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	s2 := newStore(t, dir)
	for i := byte(1); i <= 3; i++ {
		if level, ok := s2.GetCurrentLevel(chain, testPKH(i)); !ok || level != 20 {
			t.Fatalf("key %d: persisted level = %d (ok=%v), want 20", i, level, ok)
		}
	}
}

// TestCrashBeforeFlush models a crash between signing and the deferred disk
// flush: the restarted store sees only the pre-sign watermark, so retrying
// the identical operation is accepted (deterministic BLS re-signs it
// byte-identically) while anything below the persisted mark stays refused.
func TestCrashBeforeFlush(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	chain, pkh := testChainID(1), testPKH(1)
	if err := s.UpdateToLevel(chain, pkh, 99); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}

	// Sign-side update at level 200, never flushed.
	if err := s.CheckAndUpdate(chain, pkh, blockPayload(chain, 200, 0)); err != nil {
		t.Fatalf("CheckAndUpdate: %v", err)
	}

	// Restart: the client retries the same payload.
	restarted := newStore(t, dir)
	if err := restarted.CheckAndUpdate(chain, pkh, blockPayload(chain, 200, 0)); err != nil {
		t.Fatalf("retry of the lost operation must be accepted: %v", err)
	}
	if err := restarted.CheckAndUpdate(chain, pkh, blockPayload(chain, 98, 0)); err == nil {
		t.Fatal("level below the persisted watermark must stay refused")
	}
}

// TestConcurrentCheckAndUpdate races many goroutines at the same
// (chain, pkh, level, round); exactly one may win.
func TestConcurrentCheckAndUpdate(t *testing.T) {
	s := newStore(t, t.TempDir())
	chain, pkh := testChainID(1), testPKH(1)
	if err := s.UpdateToLevel(chain, pkh, 99); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}

	const workers = 16
	payload := blockPayload(chain, 100, 0)

	var (
		start sync.WaitGroup
		done  sync.WaitGroup
		mu    sync.Mutex
		oks   int
	)
	start.Add(1)
	for i := 0; i < workers; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			if err := s.CheckAndUpdate(chain, pkh, payload); err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			}
		}()
	}
	start.Done()
	done.Wait()

	if oks != 1 {
		t.Fatalf("%d goroutines passed the watermark check for the same (level, round), want exactly 1", oks)
	}
}

// TestCacheEviction fills the cache past its bound and checks that evicted
// entries with signatures were flushed while probe-only entries were not.
func TestCacheEviction(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	chain := testChainID(1)

	// Seed and sign for one key whose eviction must persist.
	signed := testPKH(0xAA)
	if err := s.UpdateToLevel(chain, signed, 1); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}
	payload := blockPayload(chain, 2, 0)
	if err := s.CheckAndUpdate(chain, signed, payload); err != nil {
		t.Fatalf("CheckAndUpdate: %v", err)
	}
	if err := s.UpdateSignature(chain, signed, payload, testSignature(t)); err != nil {
		t.Fatalf("UpdateSignature: %v", err)
	}

	// Probe enough distinct keys to evict everything ahead of them. These
	// all fail the initialization gate and must not be persisted.
	for i := 0; i < MaxCacheEntries+10; i++ {
		var raw [20]byte
		raw[0] = byte(i)
		raw[1] = byte(i >> 8)
		raw[19] = 0x55
		pkh, _ := bls.PublicKeyHashFromBytes(raw[:])
		_ = s.CheckAndUpdate(chain, pkh, blockPayload(chain, 1, 0))
	}

	// The signed key was evicted and flushed: a fresh store sees level 2.
	s2 := newStore(t, dir)
	if level, ok := s2.GetCurrentLevel(chain, signed); !ok || level != 2 {
		t.Fatalf("evicted signed entry not flushed: level=%d ok=%v", level, ok)
	}

	// Probe-only keys never reach disk.
	raw, err := os.ReadFile(filepath.Join(dir, "block_high_watermark"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]map[string]*OperationWatermark
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n := len(doc[chain.ToB58Check()]); n != 1 {
		t.Fatalf("expected only the signed key on disk, found %d entries", n)
	}
}
