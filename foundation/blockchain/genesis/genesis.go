// Package genesis maintains the chain settings and the token emission
// schedule the core components consult.
package genesis

import (
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"time"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/consensus"
)

// State bootstrap regimes.
const (
	StateModeUtxo   = "utxo"
	StateModeDigest = "digest"
)

// Settings represents the chain parameters every core component reads.
type Settings struct {
	ChainID              uint16        `json:"chain_id"`
	InitialDifficulty    uint64        `json:"initial_difficulty"`
	EpochLength          int64         `json:"epoch_length"`
	RetargetingEpochsQty int           `json:"retargeting_epochs_qty"`
	DesiredBlockInterval time.Duration `json:"desired_block_interval"`
	MaxTimeDrift         time.Duration `json:"max_time_drift"`
	MaxRollbackDepth     int64         `json:"max_rollback_depth"`
	BlockMaxSize         int           `json:"block_max_size"`

	StateMode          string `json:"state_mode"`
	VerifyTransactions bool   `json:"verify_transactions"`
	BlocksToKeep       int    `json:"blocks_to_keep"`
	KeepVersions       int    `json:"keep_versions"`

	UtxMaxAge              time.Duration `json:"utx_max_age"`
	MempoolCleanupInterval time.Duration `json:"mempool_cleanup_interval"`
	MempoolMaxCapacity     int           `json:"mempool_max_capacity"`

	Mining            bool          `json:"mining"`
	OfflineGeneration bool          `json:"offline_generation"`
	MiningDelay       time.Duration `json:"mining_delay"`

	InitialEmission     uint64 `json:"initial_emission"`
	EmissionEpochLength int64  `json:"emission_epoch_length"`
}

// Default returns the settings a fresh node runs with.
func Default() Settings {
	return Settings{
		ChainID:              9,
		InitialDifficulty:    1_000_000,
		EpochLength:          1,
		RetargetingEpochsQty: 4,
		DesiredBlockInterval: 30 * time.Second,
		MaxTimeDrift:         2 * time.Minute,
		MaxRollbackDepth:     10,
		BlockMaxSize:         1 << 20,

		StateMode:          StateModeUtxo,
		VerifyTransactions: true,
		BlocksToKeep:       -1,
		KeepVersions:       200,

		UtxMaxAge:              1000 * time.Minute,
		MempoolCleanupInterval: 180 * time.Minute,
		MempoolMaxCapacity:     10_000,

		Mining:            false,
		OfflineGeneration: false,
		MiningDelay:       10 * time.Second,

		InitialEmission:     2_000_000_000,
		EmissionEpochLength: 50_000,
	}
}

// Load opens and consumes a settings file, starting from the defaults.
func Load(path string) (Settings, error) {
	settings := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	if err := json.Unmarshal(content, &settings); err != nil {
		return Settings{}, err
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate rejects settings combinations the core cannot honor.
func (s Settings) Validate() error {
	if s.StateMode != StateModeUtxo && s.StateMode != StateModeDigest {
		return errors.New("state mode must be utxo or digest")
	}
	if !s.VerifyTransactions && s.BlocksToKeep != 0 {
		return errors.New("blocks to keep must be 0 when transactions are not verified")
	}
	if s.InitialDifficulty == 0 {
		return errors.New("initial difficulty must be positive")
	}
	if s.EpochLength <= 0 || s.RetargetingEpochsQty < 2 {
		return errors.New("retargeting window misconfigured")
	}
	return nil
}

// Difficulty returns the initial difficulty as the big integer the
// consensus layer works in.
func (s Settings) Difficulty() *big.Int {
	return new(big.Int).SetUint64(s.InitialDifficulty)
}

// DifficultyController builds the retargeting controller from the
// settings.
func (s Settings) DifficultyController() consensus.DifficultyController {
	return consensus.DifficultyController{
		InitialDifficulty:    s.Difficulty(),
		EpochLength:          s.EpochLength,
		RetargetingEpochsQty: s.RetargetingEpochsQty,
		DesiredBlockInterval: s.DesiredBlockInterval,
	}
}

// =============================================================================

// SupplyAt returns the coinbase emission for a block at the specified
// height. The emission halves every emission epoch.
func (s Settings) SupplyAt(height int64) uint64 {
	if height < 0 {
		return 0
	}

	halvings := uint(0)
	if s.EmissionEpochLength > 0 {
		halvings = uint(height / s.EmissionEpochLength)
	}
	if halvings > 63 {
		return 0
	}
	return s.InitialEmission >> halvings
}
