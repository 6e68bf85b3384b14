package signer

import (
	"time"

	"github.com/russignol/signer/activity"
	"github.com/russignol/signer/bls"
	"github.com/russignol/signer/log"
	"github.com/russignol/signer/magicbytes"
	"github.com/russignol/signer/protocol"
	"github.com/russignol/signer/watermark"
)

// LargeGapCycles is the stale-watermark threshold: a signing request whose
// level exceeds the stored watermark by more than this many cycles is
// refused until the operator confirms the gap.
const LargeGapCycles = 4

// WatermarkErrorCallback observes monotone-check refusals, typically to
// drive an operator confirmation dialog.
type WatermarkErrorCallback func(pkh bls.PublicKeyHash, chainID bls.ChainID, err *watermark.Error)

// LargeGapCallback observes stale-watermark detections with the current and
// requested levels.
type LargeGapCallback func(pkh bls.PublicKeyHash, chainID bls.ChainID, currentLevel, requestedLevel uint32)

// SigningNotifyCallback fires after each successful signature, for UI
// refresh.
type SigningNotifyCallback func()

// FlushTarget names the watermark entry the connection loop must flush to
// disk after the sign response has been written.
type FlushTarget struct {
	ChainID bls.ChainID
	PKH     bls.PublicKeyHash
}

// Handler dispatches decoded requests. All fields are set before the server
// starts and never mutated afterward; the watermark store does its own
// locking, so Handler methods are safe to call from concurrent connection
// workers.
type Handler struct {
	registry *Registry
	store    *watermark.Store // nil disables watermarking

	allowedMagicBytes    []byte // nil allows everything
	allowListKnownKeys   bool
	allowProvePossession bool
	blocksPerCycle       uint32 // 0 disables large-gap detection

	tracker *activity.Tracker

	onWatermarkError WatermarkErrorCallback
	onLargeGap       LargeGapCallback
	onSigningNotify  SigningNotifyCallback

	log *log.Logger
}

// NewHandler builds a request handler over registry, with watermarking
// enabled iff store is non-nil and payload filtering enabled iff
// allowedMagicBytes is non-nil.
func NewHandler(registry *Registry, store *watermark.Store, allowedMagicBytes []byte, allowListKnownKeys, allowProvePossession bool) *Handler {
	return &Handler{
		registry:             registry,
		store:                store,
		allowedMagicBytes:    allowedMagicBytes,
		allowListKnownKeys:   allowListKnownKeys,
		allowProvePossession: allowProvePossession,
		log:                  log.Default().Module("signer"),
	}
}

// WithActivityTracker attributes successful signatures to tracker.
func (h *Handler) WithActivityTracker(t *activity.Tracker) *Handler {
	h.tracker = t
	return h
}

// WithWatermarkErrorCallback installs the monotone-refusal observer.
func (h *Handler) WithWatermarkErrorCallback(cb WatermarkErrorCallback) *Handler {
	h.onWatermarkError = cb
	return h
}

// WithLargeGapCallback installs the stale-watermark observer and the
// chain-specific cycle length its threshold is computed from. A zero
// blocksPerCycle disables gap detection entirely.
func (h *Handler) WithLargeGapCallback(cb LargeGapCallback, blocksPerCycle uint32) *Handler {
	h.onLargeGap = cb
	h.blocksPerCycle = blocksPerCycle
	return h
}

// WithSigningNotify installs the post-signature notifier.
func (h *Handler) WithSigningNotify(cb SigningNotifyCallback) *Handler {
	h.onSigningNotify = cb
	return h
}

// Handle dispatches one decoded request and returns its response. flush is
// non-nil only for a successful Sign over a consensus payload; the caller
// must flush that watermark entry to disk after writing the response. A
// returned error is a per-request failure the caller should encode as an
// Error response, not a connection-fatal condition.
func (h *Handler) Handle(req protocol.Request) (resp protocol.Response, flush *FlushTarget, err error) {
	switch r := req.(type) {
	case protocol.SignRequest:
		return h.handleSign(r)
	case protocol.PublicKeyRequest:
		pk, err := h.registry.PublicKey(r.PKH)
		if err != nil {
			return nil, nil, err
		}
		return protocol.PublicKeyResponse{PublicKey: pk}, nil, nil
	case protocol.AuthorizedKeysRequest:
		// No request authentication: tell the client none is required.
		return protocol.AuthorizedKeysResponse{Keys: nil}, nil, nil
	case protocol.DeterministicNonceRequest:
		entry, err := h.registry.lookup(r.PKH.PKH)
		if err != nil {
			return nil, nil, err
		}
		return protocol.NonceResponse{Nonce: bls.DeterministicNonce(entry.secretKey, r.Data)}, nil, nil
	case protocol.DeterministicNonceHashRequest:
		entry, err := h.registry.lookup(r.PKH.PKH)
		if err != nil {
			return nil, nil, err
		}
		return protocol.NonceHashResponse{Hash: bls.DeterministicNonceHash(entry.secretKey, r.Data)}, nil, nil
	case protocol.SupportsDeterministicNoncesRequest:
		return protocol.BoolResponse{Value: h.registry.Contains(r.PKH)}, nil, nil
	case protocol.KnownKeysRequest:
		if !h.allowListKnownKeys {
			return nil, nil, errNotAuthorized("listing known keys is disabled; start the signer with key listing enabled")
		}
		return protocol.KnownKeysResponse{Keys: h.registry.Keys()}, nil, nil
	case protocol.BlsProveRequest:
		if !h.allowProvePossession {
			return nil, nil, errNotAuthorized("proof of possession is disabled; start the signer with possession proofs enabled")
		}
		entry, err := h.registry.lookup(r.PKH)
		if err != nil {
			return nil, nil, err
		}
		// The optional override public key is a test-vector hook in the
		// wire format; it is accepted and ignored.
		return protocol.SignatureResponse{Signature: bls.PopProve(entry.secretKey, nil)}, nil, nil
	default:
		return nil, nil, &Error{Kind: "not_authorized", Detail: "unsupported request"}
	}
}

func (h *Handler) handleSign(req protocol.SignRequest) (protocol.Response, *FlushTarget, error) {
	pkh := req.PKH.PKH
	data := req.Data

	h.log.Info("signature request", "pkh", pkh.ToB58Check(), "version", req.PKH.Version, "size", len(data))

	if h.allowedMagicBytes != nil {
		if err := magicbytes.CheckMagicByte(data, h.allowedMagicBytes); err != nil {
			return nil, nil, err
		}
	}

	// Only Tenderbake consensus payloads carry a chain id; everything else
	// skips watermarking entirely.
	var chainID *bls.ChainID
	if wire, ok := magicbytes.ChainIDForTenderbake(data); ok {
		c := bls.ChainIDFromWireBytes(wire)
		chainID = &c
	}

	if chainID != nil && h.store != nil {
		if err := h.checkLargeGap(*chainID, pkh, data); err != nil {
			return nil, nil, err
		}
		if err := h.store.CheckAndUpdate(*chainID, pkh, data); err != nil {
			if werr, ok := err.(*watermark.Error); ok && h.onWatermarkError != nil {
				// The store's locks are released by now; the callback may
				// safely touch the store (e.g. an interactive reset).
				h.onWatermarkError(pkh, *chainID, werr)
			}
			return nil, nil, err
		}
	}

	entry, err := h.registry.lookup(pkh)
	if err != nil {
		return nil, nil, err
	}

	signStart := time.Now()
	sig := bls.Sign(entry.secretKey, data, nil)
	signDuration := time.Since(signStart)

	h.recordActivity(entry.alias, data, signDuration)

	var flush *FlushTarget
	if chainID != nil && h.store != nil {
		if err := h.store.UpdateSignature(*chainID, pkh, data, sig); err != nil {
			h.log.Error("failed to record signature in watermark", "pkh", pkh.ToB58Check(), "err", err)
		}
		flush = &FlushTarget{ChainID: *chainID, PKH: pkh}
	}

	if h.onSigningNotify != nil {
		h.onSigningNotify()
	}

	return protocol.SignatureResponse{Signature: sig}, flush, nil
}

// checkLargeGap refuses signing requests that jump more than
// LargeGapCycles * blocksPerCycle levels past the stored watermark, invoking
// the large-gap callback so the UI can offer an interactive reset. Runs
// before the monotone check; disabled when blocksPerCycle is zero.
func (h *Handler) checkLargeGap(chainID bls.ChainID, pkh bls.PublicKeyHash, data []byte) error {
	if h.onLargeGap == nil || h.blocksPerCycle == 0 {
		return nil
	}
	requested, ok := extractLevel(data)
	if !ok {
		return nil
	}
	current, ok := h.store.GetCurrentLevel(chainID, pkh)
	if !ok {
		return nil
	}
	var gap uint32
	if requested > current {
		gap = requested - current
	}
	threshold := LargeGapCycles * h.blocksPerCycle
	if gap <= threshold {
		return nil
	}
	h.onLargeGap(pkh, chainID, current, requested)
	return watermark.LargeLevelGapError(current, requested, gap, gap/h.blocksPerCycle)
}

// extractLevel parses the level out of a consensus payload, tolerating
// anything that does not parse (the monotone check will reject it properly).
func extractLevel(data []byte) (uint32, bool) {
	if len(data) == 0 {
		return 0, false
	}
	switch magicbytes.MagicByte(data[0]) {
	case magicbytes.Block:
		level, _, err := magicbytes.BlockLevelRound(data)
		if err != nil {
			return 0, false
		}
		return level, true
	case magicbytes.PreAttestation, magicbytes.Attestation:
		level, _, err := magicbytes.AttestationLevelRound(data, true)
		if err != nil {
			return 0, false
		}
		return level, true
	default:
		return 0, false
	}
}

func (h *Handler) recordActivity(alias string, data []byte, duration time.Duration) {
	if h.tracker == nil {
		return
	}
	rec := activity.Record{
		Timestamp: time.Now(),
		Duration:  duration,
		DataSize:  len(data),
	}
	if len(data) > 0 {
		if op, ok := activity.FromMagicByte(data[0]); ok {
			rec.OpType = &op
		}
	}
	if level, ok := extractLevel(data); ok {
		rec.Level = &level
	}
	h.tracker.RecordForAlias(alias, rec)
}

// FlushWatermark persists target's watermark entry. Called by the
// connection loop after the sign response has been written; failures are
// logged, never surfaced, since the signature is already delivered.
func (h *Handler) FlushWatermark(target FlushTarget) {
	if h.store == nil {
		return
	}
	if err := h.store.FlushToDisk(target.ChainID, target.PKH); err != nil {
		h.log.Error("failed to flush watermark to disk",
			"pkh", target.PKH.ToB58Check(),
			"chain", target.ChainID.ToB58Check(),
			"err", err)
	}
}
