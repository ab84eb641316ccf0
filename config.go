package fedmesh

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/pelletier/go-toml"
)

const (
	DefBootstrapHTTPPort = 9000
	DefClientHTTPPort    = 9001

	identityFileName = "identity.toml"
)

var (
	errMissingOperator  = errors.New("OPERATOR_ID and OPERATOR_KEY are required")
	errMissingContract  = errors.New("CONTRACT_ID is required")
	errMissingBootstrap = errors.New("BOOTSTRAP_ADDR is required")
	errMissingStore     = errors.New("object store credentials and endpoint are required")
)

// Config is the immutable process configuration. Environment reads are
// confined to LoadConfig; everything else receives the built record.
type Config struct {
	OperatorID  string `env:"OPERATOR_ID"`
	OperatorKey string `env:"OPERATOR_KEY"`
	ContractID  string `env:"CONTRACT_ID"`
	TopicID     string `env:"TOPIC_ID"`
	MirrorURL   string `env:"MIRROR_NODE_URL" envDefault:"https://testnet.mirrornode.hedera.com"`

	BootstrapAddr string `env:"BOOTSTRAP_ADDR"`

	ObjectStoreAccessKey string `env:"OBJECT_STORE_ACCESS_KEY"`
	ObjectStoreSecretKey string `env:"OBJECT_STORE_SECRET_KEY"`
	ObjectStoreEndpoint  string `env:"OBJECT_STORE_ENDPOINT" envDefault:"https://o3-rc2.akave.xyz"`
	ObjectStoreBucket    string `env:"OBJECT_STORE_BUCKET" envDefault:"akave-bucket"`

	NodeIP  string `env:"NODE_IP" envDefault:"0.0.0.0"`
	IsCloud bool   `env:"IS_CLOUD" envDefault:"false"`

	P2PPort  int    `env:"P2P_PORT" envDefault:"0"`
	HTTPPort int    `env:"HTTP_PORT" envDefault:"0"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ConfigDir     string        `env:"CONFIG_DIR"`
	RoundDeadline time.Duration `env:"ROUND_DEADLINE" envDefault:"30m"`
}

// LoadConfig parses the environment into a Config and fills in the default
// config directory. It checks no required fields; role-specific
// requirements are checked by ValidateForRole so that, for example, a
// bootstrap node can run without ledger credentials.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.ConfigDir = filepath.Join(home, ".fedmesh")
	}

	return cfg, nil
}

// ValidateForRole checks the config fields a given role cannot run without.
func (c Config) ValidateForRole(role string) error {
	switch role {
	case "bootstrap":
		return nil
	case "client", "trainer":
		if c.BootstrapAddr == "" {
			return errMissingBootstrap
		}
		if c.OperatorID == "" || c.OperatorKey == "" {
			return errMissingOperator
		}
		if c.ContractID == "" {
			return errMissingContract
		}
		if c.ObjectStoreAccessKey == "" || c.ObjectStoreSecretKey == "" || c.ObjectStoreEndpoint == "" {
			return errMissingStore
		}

		return nil
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

type identityFile struct {
	PrivateKey string `toml:"private_key"`
}

// LoadIdentity returns the node's persistent keypair, generating and
// persisting one on first launch. The key file lives under the config dir
// and is reused on every subsequent start so the peer ID stays stable.
func LoadIdentity(configDir string) (crypto.PrivKey, error) {
	path := filepath.Join(configDir, identityFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var idf identityFile
		if err := toml.Unmarshal(data, &idf); err != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", err)
		}

		raw, err := base64.StdEncoding.DecodeString(idf.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode identity key: %w", err)
		}

		return crypto.UnmarshalPrivateKey(raw)

	case os.IsNotExist(err):
		priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}

		raw, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, err
		}

		out, err := toml.Marshal(identityFile{PrivateKey: base64.StdEncoding.EncodeToString(raw)})
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create config dir: %w", err)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("failed to persist identity: %w", err)
		}

		return priv, nil

	default:
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
}
