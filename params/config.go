package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Network holds this node's libp2p transport configuration.
type Network struct {
	ListenAddr string
	Bootstrap  []string
}

// Validator holds the validator process settings loaded from the
// environment. ActiveValidators, ViewChangeDelay and ForkProofsMaxSize
// default to the pkg/policy constants of the same name. Of these, only
// ActiveValidators is read, by cmd/validator, as the genesis validator's
// slot count; the validator core itself uses the pkg/policy constants
// for committee size, view-change delay and fork-proof budget, so
// overriding ViewChangeDelay or ForkProofsMaxSize has no effect.
type Validator struct {
	ActiveValidators  int
	ViewChangeDelay   time.Duration
	ForkProofsMaxSize int
	StateDir          string
}

type Config struct {
	Network   Network
	Validator Validator
}

func Default() Config {
	return Config{
		Network: Network{
			ListenAddr: "/ip4/0.0.0.0/tcp/0",
		},
		Validator: Validator{
			ActiveValidators:  4,
			ViewChangeDelay:   10 * time.Second,
			ForkProofsMaxSize: 1000,
			StateDir:          "./data",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("VALIDATOR_LISTEN_ADDR"); addr != "" {
		cfg.Network.ListenAddr = addr
	}
	if bootstrap := os.Getenv("VALIDATOR_BOOTSTRAP"); bootstrap != "" {
		cfg.Network.Bootstrap = splitNonEmpty(bootstrap, ',')
	}

	if av := os.Getenv("VALIDATOR_ACTIVE_VALIDATORS"); av != "" {
		if n, err := strconv.Atoi(av); err == nil {
			cfg.Validator.ActiveValidators = n
		}
	}
	if delay := os.Getenv("VALIDATOR_VIEW_CHANGE_DELAY_MS"); delay != "" {
		if ms, err := strconv.Atoi(delay); err == nil {
			cfg.Validator.ViewChangeDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if maxSize := os.Getenv("VALIDATOR_FORK_PROOFS_MAX_SIZE"); maxSize != "" {
		if n, err := strconv.Atoi(maxSize); err == nil {
			cfg.Validator.ForkProofsMaxSize = n
		}
	}
	if dir := os.Getenv("VALIDATOR_STATE_DIR"); dir != "" {
		cfg.Validator.StateDir = dir
	}

	return cfg
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
