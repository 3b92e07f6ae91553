// Package history implements the header chain processor: it orders
// incoming headers, scores forks, tracks the best chain and computes
// the required difficulty for new blocks.
package history

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/consensus"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
)

// EventHandler defines a function that is called when events occur in
// the processing of headers.
type EventHandler func(v string, args ...any)

// Validity marks persisted per header.
const (
	ValidityUnknown byte = 0x01
	ValidityValid   byte = 0x02
	ValidityInvalid byte = 0x03
)

// Persisted key space. Every key is a 32 byte hash except the two well
// known pointers.
var (
	bestHeaderKey = fillKey(byte(modifiers.HeaderType))
	bestBlockKey  = fillKey(0xFF)
)

func fillKey(b byte) []byte {
	key := make([]byte, signature.HashSize)
	for i := range key {
		key[i] = b
	}
	return key
}

func scoreKey(id modifiers.ModifierID) []byte {
	h := signature.Hash([]byte("score"), id[:])
	return h[:]
}

func heightKey(id modifiers.ModifierID) []byte {
	h := signature.Hash([]byte("height"), id[:])
	return h[:]
}

func validityKey(id modifiers.ModifierID) []byte {
	h := signature.Hash([]byte("validity"), id[:])
	return h[:]
}

func modifierKey(id modifiers.ModifierID) []byte {
	h := signature.Hash([]byte("mod"), id[:])
	return h[:]
}

func heightIdsKey(height int64) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(height))
	h := signature.Hash(b[:])
	return h[:]
}

// =============================================================================

// Config holds what the processor needs to run.
type Config struct {
	Store     *store.Store
	Settings  genesis.Settings
	Clock     consensus.TimeProvider
	EvHandler EventHandler
}

// Processor accepts headers, scores them against the known forks and
// maintains the persisted chain indexes.
type Processor struct {
	mu sync.Mutex

	store      *store.Store
	settings   genesis.Settings
	controller consensus.DifficultyController
	clock      consensus.TimeProvider
	evHandler  EventHandler

	// cache avoids a store round trip for recently touched headers.
	cache map[modifiers.ModifierID]modifiers.Header
}

// NewProcessor constructs the header chain processor.
func NewProcessor(cfg Config) *Processor {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = consensus.SystemTime{}
	}

	return &Processor{
		store:      cfg.Store,
		settings:   cfg.Settings,
		controller: cfg.Settings.DifficultyController(),
		clock:      clock,
		evHandler:  ev,
		cache:      make(map[modifiers.ModifierID]modifiers.Header),
	}
}

// =============================================================================

// Append validates and processes one header, committing all index
// changes as a single store version and returning the progress verdict.
func (p *Processor) Append(header modifiers.Header) (ProgressInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := header.ID()
	p.evHandler("history: append: header[%x] height[%d]", id[:8], header.Height)

	if err := p.validate(header); err != nil {
		p.evHandler("history: append: header[%x] rejected: %s", id[:8], err)
		return ProgressInfo{}, err
	}

	score, err := p.scoreFor(header)
	if err != nil {
		return ProgressInfo{}, err
	}

	upserts := []store.KV{
		{Key: scoreKey(id), Value: score.Bytes()},
		{Key: heightKey(id), Value: encodeHeight(header.Height)},
		{Key: validityKey(id), Value: []byte{ValidityUnknown}},
	}

	raw, err := header.Bytes()
	if err != nil {
		return ProgressInfo{}, fmt.Errorf("serializing header %x: %w", id[:8], err)
	}
	upserts = append(upserts, store.KV{Key: modifierKey(id), Value: raw})

	// Decide whether this header beats the current best chain. Equal
	// scores never switch: the first observed chain stays best.
	bestID, hasBest := p.bestHeaderIDLocked()
	newBest := !hasBest
	if hasBest {
		bestScore, err := p.scoreOfLocked(bestID)
		if err != nil {
			return ProgressInfo{}, err
		}
		newBest = score.Cmp(bestScore) > 0
	}

	info := ProgressInfo{ToDownload: p.downloadsFor(header)}
	rows := make(map[int64][]modifiers.ModifierID)

	switch {
	case newBest && hasBest && header.ParentID != bestID:
		// The new best extends a fork: every height on the branch
		// down to the fork point gets its index reordered so the new
		// best chain id comes first.
		branch := p.headerChainBackLocked(p.settings.MaxRollbackDepth+1, header, func(h modifiers.Header) bool {
			return p.isOnBestChainLocked(h)
		})

		if len(branch) > 0 && p.isOnBestChainLocked(branch[0]) {
			forkID := branch[0].ID()
			info.RollbackTo = &forkID
			info.ToApply = append(info.ToApply, branch[1:]...)

			for _, h := range branch[1:] {
				rows[h.Height] = p.rowWithFirst(h.Height, h.ID())
			}
		}
		rows[header.Height] = p.rowWithFirst(header.Height, id)

	case newBest:
		rows[header.Height] = p.rowWithFirst(header.Height, id)
		info.ToApply = append(info.ToApply, header)

	default:
		rows[header.Height] = append(p.headerIdsAtLocked(header.Height), id)
	}

	for height, row := range rows {
		upserts = append(upserts, store.KV{Key: heightIdsKey(height), Value: encodeIDRow(row)})
	}

	if newBest {
		upserts = append(upserts, store.KV{Key: bestHeaderKey, Value: id[:]})
		best := header
		info.BestHeader = &best
	}

	if err := p.store.BulkInsert(store.Version(id), upserts, nil); err != nil {
		return ProgressInfo{}, fmt.Errorf("committing header %x: %w", id[:8], err)
	}

	p.cache[id] = header
	p.evHandler("history: append: header[%x] accepted, best[%v]", id[:8], newBest)

	return info, nil
}

// validate applies the structural, timing, difficulty, work and
// signature rules to an incoming header.
func (p *Processor) validate(header modifiers.Header) error {
	id := header.ID()

	if header.Difficulty == nil || header.Difficulty.Sign() <= 0 {
		return fmt.Errorf("header %x: difficulty must be positive", id[:8])
	}

	if header.IsGenesis() {
		if _, hasBest := p.bestHeaderIDLocked(); hasBest {
			return fmt.Errorf("header %x: genesis already known", id[:8])
		}
		if header.Height != modifiers.GenesisHeight {
			return fmt.Errorf("header %x: genesis height is %d, got %d", id[:8], modifiers.GenesisHeight, header.Height)
		}
	} else {
		parent, ok := p.headerByIDLocked(header.ParentID)
		if !ok {
			return fmt.Errorf("header %x: parent %x unknown", id[:8], header.ParentID[:8])
		}

		if header.Height != parent.Height+1 {
			return fmt.Errorf("header %x: height %d does not follow parent height %d", id[:8], header.Height, parent.Height)
		}

		if drift := header.Timestamp - p.clock.Time(); drift > p.settings.MaxTimeDrift.Milliseconds() {
			return fmt.Errorf("header %x: timestamp %dms in the future", id[:8], drift)
		}

		if header.Timestamp < parent.Timestamp {
			return fmt.Errorf("header %x: timestamp precedes parent", id[:8])
		}

		required, err := p.requiredDifficultyAfterLocked(parent)
		if err != nil {
			return err
		}
		if header.Difficulty.Cmp(required) < 0 {
			return fmt.Errorf("header %x: difficulty %s below required %s", id[:8], header.Difficulty, required)
		}

		if bestID, hasBest := p.bestHeaderIDLocked(); hasBest {
			best, ok := p.headerByIDLocked(bestID)
			if ok && best.Height-parent.Height >= p.settings.MaxRollbackDepth {
				return fmt.Errorf("header %x: parent at height %d is too deep to build on", id[:8], parent.Height)
			}
		}
	}

	if !consensus.ValidatePow(header.PowHash(header.Nonce), header.Difficulty) {
		return fmt.Errorf("header %x: proof of work invalid", id[:8])
	}

	if !header.VerifySignature() {
		return fmt.Errorf("header %x: miner signature invalid", id[:8])
	}

	return nil
}

// =============================================================================

// RequiredDifficultyAfter computes the difficulty a child of the parent
// header must carry.
func (p *Processor) RequiredDifficultyAfter(parent modifiers.Header) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.requiredDifficultyAfterLocked(parent)
}

func (p *Processor) requiredDifficultyAfterLocked(parent modifiers.Header) (*big.Int, error) {
	if parent.Height <= 2 {
		return p.settings.Difficulty(), nil
	}

	heights := p.controller.HeightsForRetargetingAt(parent.Height)
	if len(heights) == 0 {
		return p.settings.Difficulty(), nil
	}

	chain := p.headerChainBackLocked(parent.Height+1, parent, func(h modifiers.Header) bool {
		return h.Height <= heights[0]
	})

	byHeight := make(map[int64]modifiers.Header, len(chain))
	for _, h := range chain {
		byHeight[h.Height] = h
	}

	var samples []consensus.Sample
	for _, height := range heights {
		h, ok := byHeight[height]
		if !ok {
			continue
		}
		samples = append(samples, consensus.Sample{
			Height:     h.Height,
			Timestamp:  h.Timestamp,
			Difficulty: h.Difficulty,
		})
	}

	return p.controller.Difficulty(samples), nil
}

// HeaderChainBack walks parent links from the start header, accumulating
// up to limit headers and stopping inclusively at the first header the
// predicate accepts. A missing parent terminates the walk with the
// accumulated prefix: truncated ancestry, not corruption.
func (p *Processor) HeaderChainBack(limit int64, start modifiers.Header, until func(modifiers.Header) bool) []modifiers.Header {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.headerChainBackLocked(limit, start, until)
}

func (p *Processor) headerChainBackLocked(limit int64, start modifiers.Header, until func(modifiers.Header) bool) []modifiers.Header {
	var acc []modifiers.Header

	current := start
	for int64(len(acc)) < limit {
		acc = append(acc, current)
		if until(current) || current.IsGenesis() {
			break
		}

		parent, ok := p.headerByIDLocked(current.ParentID)
		if !ok {
			break
		}
		current = parent
	}

	// Oldest first.
	for i, j := 0, len(acc)-1; i < j; i, j = i+1, j-1 {
		acc[i], acc[j] = acc[j], acc[i]
	}
	return acc
}

// =============================================================================

// ReportInvalid drops the records of a header that failed downstream
// validation and rewinds the best pointers to its parent where needed.
// It returns the removed keys and the updated key-values.
func (p *Processor) ReportInvalid(header modifiers.Header) ([][]byte, []store.KV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := header.ID()
	p.evHandler("history: reportInvalid: header[%x]", id[:8])

	removed := [][]byte{
		scoreKey(id),
		modifierKey(id),
		modifierKey(header.PayloadID()),
		modifierKey(header.ADProofsID()),
	}

	updated := []store.KV{
		{Key: validityKey(id), Value: []byte{ValidityInvalid}},
	}

	if bestID, ok := p.bestHeaderIDLocked(); ok && bestID == id {
		updated = append(updated, store.KV{Key: bestHeaderKey, Value: header.ParentID[:]})
	}
	if blockID, ok := p.bestBlockIDLocked(); ok && blockID == id {
		updated = append(updated, store.KV{Key: bestBlockKey, Value: header.ParentID[:]})
	}

	version := store.Version(signature.Hash([]byte("invalid"), id[:]))
	if err := p.store.BulkInsert(version, updated, removed); err != nil {
		return nil, nil, fmt.Errorf("reporting header %x invalid: %w", id[:8], err)
	}

	delete(p.cache, id)
	return removed, updated, nil
}

// MarkValid records that a header's full block applied successfully and
// moves the best full block pointer.
func (p *Processor) MarkValid(id modifiers.ModifierID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	upserts := []store.KV{
		{Key: validityKey(id), Value: []byte{ValidityValid}},
		{Key: bestBlockKey, Value: id[:]},
	}

	// The previous pointer seeds the version tag so a block that is
	// re-validated after a fork flap still commits cleanly.
	var prev []byte
	if cur, ok := p.bestBlockIDLocked(); ok {
		prev = cur[:]
	}
	version := store.Version(signature.Hash([]byte("valid"), id[:], prev))
	if err := p.store.BulkInsert(version, upserts, nil); err != nil {
		return fmt.Errorf("marking header %x valid: %w", id[:8], err)
	}
	return nil
}

// =============================================================================
// Block sections.

// PutSections persists the payload, and proof section when present, of
// an applied block.
func (p *Processor) PutSections(payload modifiers.Payload, proofs *modifiers.ADProofs) error {
	payloadRaw, err := payload.Bytes()
	if err != nil {
		return fmt.Errorf("serializing payload %x: %w", payload.HeaderID[:8], err)
	}

	upserts := []store.KV{{Key: modifierKey(payload.ID()), Value: payloadRaw}}

	if proofs != nil {
		proofsRaw, err := proofs.Bytes()
		if err != nil {
			return fmt.Errorf("serializing ad proofs %x: %w", proofs.HeaderID[:8], err)
		}
		upserts = append(upserts, store.KV{Key: modifierKey(proofs.ID()), Value: proofsRaw})
	}

	version := store.Version(signature.Hash([]byte("sections"), payload.HeaderID[:]))
	if err := p.store.BulkInsert(version, upserts, nil); err != nil {
		return fmt.Errorf("persisting sections of %x: %w", payload.HeaderID[:8], err)
	}
	return nil
}

// Payload returns the stored transaction section of a block.
func (p *Processor) Payload(id modifiers.ModifierID) (modifiers.Payload, bool) {
	raw, err := p.store.Get(modifierKey(id))
	if err != nil {
		return modifiers.Payload{}, false
	}

	payload, err := modifiers.PayloadFromBytes(raw)
	if err != nil {
		return modifiers.Payload{}, false
	}
	return payload, true
}

// DropSections removes the stored sections of a block outside the
// retention window.
func (p *Processor) DropSections(header modifiers.Header) error {
	removed := [][]byte{
		modifierKey(header.PayloadID()),
		modifierKey(header.ADProofsID()),
	}

	id := header.ID()
	version := store.Version(signature.Hash([]byte("prune"), id[:]))
	if err := p.store.BulkInsert(version, nil, removed); err != nil {
		return fmt.Errorf("pruning sections of %x: %w", id[:8], err)
	}
	return nil
}

// =============================================================================
// Read access.

// HeaderByID returns a known header.
func (p *Processor) HeaderByID(id modifiers.ModifierID) (modifiers.Header, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.headerByIDLocked(id)
}

// BestHeaderID returns the id of the best known header.
func (p *Processor) BestHeaderID() (modifiers.ModifierID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.bestHeaderIDLocked()
}

// BestHeader returns the best known header.
func (p *Processor) BestHeader() (modifiers.Header, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.bestHeaderIDLocked()
	if !ok {
		return modifiers.Header{}, false
	}
	return p.headerByIDLocked(id)
}

// BestBlockID returns the id of the best fully applied block.
func (p *Processor) BestBlockID() (modifiers.ModifierID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.bestBlockIDLocked()
}

// ScoreOf returns the cumulative chain score of a header.
func (p *Processor) ScoreOf(id modifiers.ModifierID) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.scoreOfLocked(id)
}

// HeightOf returns the stored height of a header.
func (p *Processor) HeightOf(id modifiers.ModifierID) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := p.store.Get(heightKey(id))
	if err != nil {
		return 0, fmt.Errorf("height of %x: %w", id[:8], err)
	}
	return decodeHeight(raw), nil
}

// HeaderIdsAtHeight returns every known header id at a height, best
// chain first.
func (p *Processor) HeaderIdsAtHeight(height int64) []modifiers.ModifierID {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.headerIdsAtLocked(height)
}

// Validity returns the recorded validity mark of a header.
func (p *Processor) Validity(id modifiers.ModifierID) byte {
	raw, err := p.store.Get(validityKey(id))
	if err != nil || len(raw) == 0 {
		return ValidityUnknown
	}
	return raw[0]
}

// =============================================================================
// Locked internals.

func (p *Processor) headerByIDLocked(id modifiers.ModifierID) (modifiers.Header, bool) {
	if h, ok := p.cache[id]; ok {
		return h, true
	}

	raw, err := p.store.Get(modifierKey(id))
	if err != nil {
		return modifiers.Header{}, false
	}

	h, err := modifiers.HeaderFromBytes(raw)
	if err != nil {
		return modifiers.Header{}, false
	}

	p.cache[id] = h
	return h, true
}

func (p *Processor) bestHeaderIDLocked() (modifiers.ModifierID, bool) {
	raw, err := p.store.Get(bestHeaderKey)
	if err != nil || len(raw) != signature.HashSize {
		return modifiers.ModifierID{}, false
	}

	var id modifiers.ModifierID
	copy(id[:], raw)
	return id, true
}

func (p *Processor) bestBlockIDLocked() (modifiers.ModifierID, bool) {
	raw, err := p.store.Get(bestBlockKey)
	if err != nil || len(raw) != signature.HashSize {
		return modifiers.ModifierID{}, false
	}

	var id modifiers.ModifierID
	copy(id[:], raw)
	return id, true
}

func (p *Processor) scoreOfLocked(id modifiers.ModifierID) (*big.Int, error) {
	raw, err := p.store.Get(scoreKey(id))
	if err != nil {
		return nil, fmt.Errorf("score of %x: %w", id[:8], err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func (p *Processor) headerIdsAtLocked(height int64) []modifiers.ModifierID {
	raw, err := p.store.Get(heightIdsKey(height))
	if err != nil {
		return nil
	}
	return decodeIDRow(raw)
}

// scoreFor computes parent score plus own difficulty; genesis scores
// its own difficulty.
func (p *Processor) scoreFor(header modifiers.Header) (*big.Int, error) {
	if header.IsGenesis() {
		return new(big.Int).Set(header.Difficulty), nil
	}

	parentScore, err := p.scoreOfLocked(header.ParentID)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(parentScore, header.Difficulty), nil
}

// isOnBestChainLocked reports whether the header leads its height row.
func (p *Processor) isOnBestChainLocked(h modifiers.Header) bool {
	row := p.headerIdsAtLocked(h.Height)
	return len(row) > 0 && row[0] == h.ID()
}

// rowWithFirst rebuilds a height row with the specified id first.
func (p *Processor) rowWithFirst(height int64, first modifiers.ModifierID) []modifiers.ModifierID {
	row := []modifiers.ModifierID{first}
	for _, id := range p.headerIdsAtLocked(height) {
		if id != first {
			row = append(row, id)
		}
	}
	return row
}

// downloadsFor names the sections to fetch for a freshly accepted
// header: always the payload, and the proof section when the node
// validates transactions against supplied proofs only.
func (p *Processor) downloadsFor(header modifiers.Header) []Download {
	downloads := []Download{{Type: modifiers.PayloadType, ID: header.PayloadID()}}

	if p.settings.VerifyTransactions && p.settings.StateMode == genesis.StateModeDigest {
		downloads = append(downloads, Download{Type: modifiers.ADProofsType, ID: header.ADProofsID()})
	}
	return downloads
}

// =============================================================================

func encodeHeight(height int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(height))
	return b[:]
}

func decodeHeight(raw []byte) int64 {
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func encodeIDRow(row []modifiers.ModifierID) []byte {
	out := make([]byte, 0, len(row)*signature.HashSize)
	for _, id := range row {
		out = append(out, id[:]...)
	}
	return out
}

func decodeIDRow(raw []byte) []modifiers.ModifierID {
	var row []modifiers.ModifierID
	for off := 0; off+signature.HashSize <= len(raw); off += signature.HashSize {
		var id modifiers.ModifierID
		copy(id[:], raw[off:])
		row = append(row, id)
	}
	return row
}
