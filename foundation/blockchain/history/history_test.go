package history_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/consensus"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/history"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// fixedClock keeps header drift checks deterministic.
type fixedClock struct{ now int64 }

func (c fixedClock) Time() int64 { return c.now }

func testSettings() genesis.Settings {
	settings := genesis.Default()
	settings.InitialDifficulty = 1
	settings.EpochLength = 1
	settings.RetargetingEpochsQty = 4
	settings.MaxRollbackDepth = 10
	settings.MaxTimeDrift = time.Hour
	return settings
}

func newProcessor(t *testing.T) *history.Processor {
	t.Helper()

	st, err := store.New("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return history.NewProcessor(history.Config{
		Store:    st,
		Settings: testSettings(),
		Clock:    fixedClock{now: 1_000_000},
	})
}

func minerKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	pk, err := crypto.HexToECDSA("fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959")
	require.NoError(t, err)
	return pk
}

// mine assembles a header on the parent and searches a nonce the low
// test difficulty accepts.
func mine(t *testing.T, key *ecdsa.PrivateKey, parent *modifiers.Header, difficulty int64, timestamp int64) modifiers.Header {
	t.Helper()

	header := modifiers.Header{
		Version:    1,
		ParentID:   modifiers.GenesisParentID,
		Height:     modifiers.GenesisHeight,
		Timestamp:  timestamp,
		Difficulty: big.NewInt(difficulty),
		PublicKey:  transaction.PublicKeyBytes(key),
	}
	if parent != nil {
		header.ParentID = parent.ID()
		header.Height = parent.Height + 1
	}

	for nonce := uint64(0); ; nonce++ {
		if consensus.ValidatePow(header.PowHash(nonce), header.Difficulty) {
			header.Nonce = nonce
			break
		}
	}

	require.NoError(t, header.Sign(key))
	return header
}

// =============================================================================

func Test_GenesisApply(t *testing.T) {
	proc := newProcessor(t)
	key := minerKey(t)

	gen := mine(t, key, nil, 1, 1_000)
	info, err := proc.Append(gen)
	require.NoError(t, err)

	bestID, ok := proc.BestHeaderID()
	require.True(t, ok)
	require.Equal(t, gen.ID(), bestID)

	height, err := proc.HeightOf(gen.ID())
	require.NoError(t, err)
	require.Equal(t, modifiers.GenesisHeight, height)

	score, err := proc.ScoreOf(gen.ID())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), score)

	require.NotNil(t, info.BestHeader)
	require.Equal(t, gen.ID(), info.BestHeader.ID())

	// In the box-holding regime only the payload needs downloading.
	require.Len(t, info.ToDownload, 1)
	require.Equal(t, modifiers.PayloadType, info.ToDownload[0].Type)
	require.Equal(t, gen.PayloadID(), info.ToDownload[0].ID)
}

func Test_ValidationRejections(t *testing.T) {
	proc := newProcessor(t)
	key := minerKey(t)

	gen := mine(t, key, nil, 1, 1_000)
	_, err := proc.Append(gen)
	require.NoError(t, err)

	// A second genesis is rejected.
	gen2 := mine(t, key, nil, 1, 2_000)
	_, err = proc.Append(gen2)
	require.Error(t, err)

	// An unknown parent is rejected.
	orphanParent := mine(t, key, nil, 1, 3_000)
	orphan := mine(t, key, &orphanParent, 1, 3_500)
	_, err = proc.Append(orphan)
	require.Error(t, err)

	// A wrong height is rejected.
	bad := mine(t, key, &gen, 1, 2_000)
	bad.Height = 5
	for nonce := uint64(0); ; nonce++ {
		if consensus.ValidatePow(bad.PowHash(nonce), bad.Difficulty) {
			bad.Nonce = nonce
			break
		}
	}
	require.NoError(t, bad.Sign(key))
	_, err = proc.Append(bad)
	require.Error(t, err)

	// A timestamp before the parent is rejected.
	early := mine(t, key, &gen, 1, 500)
	_, err = proc.Append(early)
	require.Error(t, err)

	// A doctored signature is rejected.
	tampered := mine(t, key, &gen, 1, 2_000)
	tampered.Signature = append([]byte{}, tampered.Signature...)
	tampered.Signature[0] ^= 0xFF
	_, err = proc.Append(tampered)
	require.Error(t, err)
}

func Test_Reorg(t *testing.T) {
	proc := newProcessor(t)
	key := minerKey(t)

	gen := mine(t, key, nil, 1, 1_000)
	a := mine(t, key, &gen, 1, 2_000)
	b := mine(t, key, &a, 1, 3_000)

	for _, h := range []modifiers.Header{gen, a, b} {
		_, err := proc.Append(h)
		require.NoError(t, err)
	}

	// A heavier fork off genesis.
	a2 := mine(t, key, &gen, 2, 2_500)
	b2 := mine(t, key, &a2, 2, 3_500)
	c2 := mine(t, key, &b2, 2, 4_500)

	// Equal cumulative score does not switch the best chain.
	info, err := proc.Append(a2)
	require.NoError(t, err)
	require.Nil(t, info.BestHeader)

	bestID, _ := proc.BestHeaderID()
	require.Equal(t, b.ID(), bestID)

	// A strictly greater score does.
	info, err = proc.Append(b2)
	require.NoError(t, err)
	require.NotNil(t, info.BestHeader)
	require.Equal(t, b2.ID(), info.BestHeader.ID())
	require.NotNil(t, info.RollbackTo)
	require.Equal(t, gen.ID(), *info.RollbackTo)

	_, err = proc.Append(c2)
	require.NoError(t, err)

	bestID, _ = proc.BestHeaderID()
	require.Equal(t, c2.ID(), bestID)

	// The fork chain now leads every height row; the old chain stays
	// known behind it.
	row1 := proc.HeaderIdsAtHeight(1)
	require.Equal(t, a2.ID(), row1[0])
	require.Contains(t, row1, a.ID())

	row2 := proc.HeaderIdsAtHeight(2)
	require.Equal(t, b2.ID(), row2[0])
	require.Contains(t, row2, b.ID())

	// Scores are cumulative along parents.
	score, err := proc.ScoreOf(c2.ID())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(7), score)
}

func Test_ForkOrderIndependence(t *testing.T) {
	key := minerKey(t)

	gen := mine(t, key, nil, 1, 1_000)
	a := mine(t, key, &gen, 1, 2_000)
	b := mine(t, key, &gen, 2, 2_500)

	// Accepting a fork pair in either order ends at the same best
	// header: greater score wins, ties keep the first observed.
	first := newProcessor(t)
	for _, h := range []modifiers.Header{gen, a, b} {
		_, err := first.Append(h)
		require.NoError(t, err)
	}

	second := newProcessor(t)
	for _, h := range []modifiers.Header{gen, b, a} {
		_, err := second.Append(h)
		require.NoError(t, err)
	}

	firstBest, _ := first.BestHeaderID()
	secondBest, _ := second.BestHeaderID()
	require.Equal(t, b.ID(), firstBest)
	require.Equal(t, b.ID(), secondBest)
}

func Test_HeaderChainBack(t *testing.T) {
	proc := newProcessor(t)
	key := minerKey(t)

	gen := mine(t, key, nil, 1, 1_000)
	a := mine(t, key, &gen, 1, 2_000)
	b := mine(t, key, &a, 1, 3_000)

	for _, h := range []modifiers.Header{gen, a, b} {
		_, err := proc.Append(h)
		require.NoError(t, err)
	}

	chain := proc.HeaderChainBack(10, b, func(h modifiers.Header) bool {
		return h.IsGenesis()
	})
	require.Len(t, chain, 3)
	require.Equal(t, gen.ID(), chain[0].ID())
	require.Equal(t, b.ID(), chain[2].ID())

	// The limit bounds the walk.
	chain = proc.HeaderChainBack(2, b, func(h modifiers.Header) bool {
		return h.IsGenesis()
	})
	require.Len(t, chain, 2)
	require.Equal(t, a.ID(), chain[0].ID())

	// A missing parent truncates the ancestry instead of erroring.
	lostParent := mine(t, key, nil, 1, 5_000)
	dangling := mine(t, key, &lostParent, 1, 6_000)
	chain = proc.HeaderChainBack(10, dangling, func(h modifiers.Header) bool {
		return h.IsGenesis()
	})
	require.Len(t, chain, 1)
	require.Equal(t, dangling.ID(), chain[0].ID())
}

func Test_ReportInvalid(t *testing.T) {
	proc := newProcessor(t)
	key := minerKey(t)

	gen := mine(t, key, nil, 1, 1_000)
	a := mine(t, key, &gen, 1, 2_000)

	for _, h := range []modifiers.Header{gen, a} {
		_, err := proc.Append(h)
		require.NoError(t, err)
	}

	removed, updated, err := proc.ReportInvalid(a)
	require.NoError(t, err)
	require.NotEmpty(t, removed)
	require.NotEmpty(t, updated)

	// The best header pointer rewinds to the parent.
	bestID, ok := proc.BestHeaderID()
	require.True(t, ok)
	require.Equal(t, gen.ID(), bestID)

	require.Equal(t, history.ValidityInvalid, proc.Validity(a.ID()))

	// The score record is gone.
	_, err = proc.ScoreOf(a.ID())
	require.Error(t, err)
}

func Test_RequiredDifficulty(t *testing.T) {
	proc := newProcessor(t)
	key := minerKey(t)

	settings := testSettings()

	// Build a chain long enough for a full retargeting window with
	// blocks arriving at twice the desired interval.
	interval := settings.DesiredBlockInterval.Milliseconds() * 2

	headers := make([]modifiers.Header, 0, 8)
	parent := mine(t, key, nil, 1, 1_000)
	headers = append(headers, parent)

	for i := 1; i < 8; i++ {
		h := mine(t, key, &parent, 1, 1_000+int64(i)*interval)
		headers = append(headers, h)
		parent = h
	}

	for _, h := range headers {
		_, err := proc.Append(h)
		require.NoError(t, err)
	}

	required, err := proc.RequiredDifficultyAfter(headers[len(headers)-1])
	require.NoError(t, err)

	// Difficulty one cannot halve below the floor of one.
	require.True(t, required.Sign() > 0)
}
