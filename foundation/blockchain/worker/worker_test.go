package worker_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/worker"
)

func newNode(t *testing.T, mining bool) *node.Node {
	t.Helper()

	chainStore, err := store.New("")
	require.NoError(t, err)
	stateStore, err := store.New("")
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	settings := genesis.Default()
	settings.InitialDifficulty = 1
	settings.Mining = mining
	settings.OfflineGeneration = mining
	settings.MiningDelay = 10 * time.Millisecond

	n, err := node.New(node.Config{
		ChainStore: chainStore,
		StateStore: stateStore,
		Settings:   settings,
		MinerKey:   key,
	})
	require.NoError(t, err)

	return n
}

func Test_WorkerLifecycle(t *testing.T) {
	n := newNode(t, false)

	w := worker.Run(n, func(v string, args ...any) {})
	require.NotNil(t, n.Worker)

	// With mining disabled the signals are inert but must not block.
	w.SignalStartMining()
	w.SignalNewBlock(modifiers.Block{})
	w.SignalStopMining()

	w.Shutdown()
	require.NoError(t, n.Shutdown())
}

func Test_WorkerMinesOffline(t *testing.T) {
	n := newNode(t, true)

	w := worker.Run(n, func(v string, args ...any) {})
	defer n.Shutdown()
	defer w.Shutdown()

	// With offline generation the worker mines the first blocks on
	// its own: difficulty one makes the search instant.
	require.Eventually(t, func() bool {
		_, ok := n.History().BestHeaderID()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return n.Info().StateHeight >= 0 && n.Info().BestBlockID != ""
	}, 5*time.Second, 20*time.Millisecond)
}
