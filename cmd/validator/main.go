// Command validator runs a single Albatross-style validator process:
// a libp2p validator network adapter, an in-memory blockchain
// collaborator seeded with a genesis macro block, and the reactive
// orchestrator that produces micro and macro blocks on this
// validator's turn.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/albatross-chain/validator/params"
	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/chain"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/forkproof"
	"github.com/albatross-chain/validator/pkg/macrostate"
	"github.com/albatross-chain/validator/pkg/mempool"
	"github.com/albatross-chain/validator/pkg/util"
	"github.com/albatross-chain/validator/pkg/validator"
	"github.com/albatross-chain/validator/pkg/validatornet"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("VALIDATOR_LOG_FILE")
	if logFile == "" {
		logFile = cfg.Validator.StateDir + "/validator.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger initialized", "log_file", logFile)

	signingKey, err := loadOrGenerateSigningKey(os.Getenv("VALIDATOR_BLS_SEED"))
	if err != nil {
		sugar.Fatalw("failed to load validator signing key", "err", err)
	}

	genesis := &chain.MacroBlock{
		Header:     chain.MacroHeader{BlockNumber: 0, Timestamp: 0},
		IsElection: true,
		ExtraData:  make([]byte, 8), // zero initial supply; override via genesis tooling
	}
	genesisCommittee := committee.Committee{
		Validators: committee.Validators{{PublicKey: signingKey.Public, NumSlots: uint16(cfg.Validator.ActiveValidators)}},
	}
	for i := range genesisCommittee.Slots {
		genesisCommittee.Slots[i] = committee.Slot{PublicKey: signingKey.Public}
	}
	genesis.Committee = &genesisCommittee
	blockchain := chain.NewMemChain(genesis, genesisCommittee)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	network, err := validatornet.New(ctx, validatornet.Config{
		ListenAddr: cfg.Network.ListenAddr,
		Bootstrap:  cfg.Network.Bootstrap,
		SelfIdx:    0,
		SelfKey:    signingKey,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("failed to start validator network", "err", err)
	}
	defer network.Close()

	macroStore, err := macrostate.Open(cfg.Validator.StateDir)
	if err != nil {
		sugar.Fatalw("failed to open macro state store", "err", err)
	}
	defer macroStore.Close()

	v := validator.New(validator.Config{
		Blockchain: blockchain,
		Network:    network,
		Mempool:    mempool.New(),
		ForkProofs: forkproof.New(),
		MacroStore: macroStore,
		SigningKey: signingKey,
		Assembler:  nil,
		Clock:      util.RealClock{},
		Log:        sugar,
	})

	sugar.Infow("validator starting",
		"active", v.IsActive(),
		"active_validators", cfg.Validator.ActiveValidators)

	v.Run(ctx)
	sugar.Info("validator stopped")
}

// loadOrGenerateSigningKey derives a BLS key pair from seedHex if
// non-empty, otherwise generates a fresh one. Production deployments
// should always set VALIDATOR_BLS_SEED to a securely stored value; an
// auto-generated key changes identity (and committee membership) on
// every restart.
func loadOrGenerateSigningKey(seedHex string) (*blssig.KeyPair, error) {
	var seed []byte
	if seedHex != "" {
		b, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, err
		}
		seed = b
	} else {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
	}
	return blssig.GenerateKeyPair(seed)
}
