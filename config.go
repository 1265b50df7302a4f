// Package dpsgd holds the job configuration shared by the arbiter and the
// data holders, and dispatches a process to one of those roles.
package dpsgd

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"github.com/absmach/dpsgd/pkg/model"
	"github.com/absmach/dpsgd/pkg/optimizer"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/caarlos0/env/v11"
	"github.com/google/differential-privacy/go/v3/checks"
	"github.com/pelletier/go-toml"
)

const (
	envPrefix = "DPSGD_"

	ModeDPSGD = "DPSGD"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Training TrainingConfig `toml:"training" envPrefix:"TRAINING_"`
	Arbiter  ArbiterConfig  `toml:"arbiter" envPrefix:"ARBITER_"`
	Host     PartyConfig    `toml:"host" envPrefix:"HOST_"`
	Guest    PartyConfig    `toml:"guest" envPrefix:"GUEST_"`
	MQTT     MQTTConfig     `toml:"mqtt" envPrefix:"MQTT_"`
	Store    StoreConfig    `toml:"store" envPrefix:"STORE_"`
	HTTP     HTTPConfig     `toml:"http" envPrefix:"HTTP_"`
}

// TrainingConfig is identical on every role of a job.
type TrainingConfig struct {
	JobID           string   `toml:"job_id" json:"job_id" env:"JOB_ID"`
	Mode            string   `toml:"mode" json:"mode" env:"MODE"`
	Delta           float64  `toml:"delta" json:"delta" env:"DELTA"`
	MaxGradNorm     float64  `toml:"max_grad_norm" json:"max_grad_norm" env:"MAX_GRAD_NORM"`
	NoiseMultiplier float64  `toml:"noise_multiplier" json:"noise_multiplier" env:"NOISE_MULTIPLIER"`
	LearningRate    float64  `toml:"learning_rate" json:"learning_rate" env:"LEARNING_RATE"`
	Alpha           float64  `toml:"alpha" json:"alpha" env:"ALPHA"`
	Optimizer       string   `toml:"optimizer" json:"optimizer" env:"OPTIMIZER"`
	BatchSize       int      `toml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
	Epoch           int      `toml:"epoch" json:"epoch" env:"EPOCH"`
	Task            string   `toml:"task" json:"task" env:"TASK"`
	FeatureNames    []string `toml:"feature_names" json:"feature_names,omitempty" env:"FEATURE_NAMES"`
	LabelColumn     string   `toml:"label_column" json:"label_column" env:"LABEL_COLUMN"`
	Seed            uint64   `toml:"seed" json:"seed" env:"SEED"`
	HiddenUnits     int      `toml:"hidden_units" json:"hidden_units" env:"HIDDEN_UNITS"`
	NumClasses      int      `toml:"num_classes" json:"num_classes" env:"NUM_CLASSES"`

	// TargetEpsilon of 0 disables the budget signal.
	TargetEpsilon          float64       `toml:"target_epsilon" json:"target_epsilon" env:"TARGET_EPSILON"`
	BudgetPolicy           string        `toml:"budget_policy" json:"budget_policy" env:"BUDGET_POLICY"`
	RoundTimeout           time.Duration `toml:"round_timeout" json:"round_timeout" env:"ROUND_TIMEOUT"`
	TolerateMissingHolders bool          `toml:"tolerate_missing_holders" json:"tolerate_missing_holders" env:"TOLERATE_MISSING_HOLDERS"`
	MinHolders             int           `toml:"min_holders" json:"min_holders" env:"MIN_HOLDERS"`
}

type ArbiterConfig struct {
	Port        int           `toml:"port" json:"port" env:"PORT"`
	JoinTimeout time.Duration `toml:"join_timeout" json:"join_timeout" env:"JOIN_TIMEOUT"`
	Holders     []string      `toml:"holders" json:"holders" env:"HOLDERS"`
}

type PartyConfig struct {
	Port       int    `toml:"port" json:"port" env:"PORT"`
	Dataset    string `toml:"dataset" json:"dataset" env:"DATASET"`
	InstanceID string `toml:"instance_id" json:"instance_id,omitempty" env:"INSTANCE_ID"`
	// Liveliness is how often the holder repeats its join announcement.
	Liveliness time.Duration `toml:"liveliness" json:"liveliness" env:"LIVELINESS"`
}

type MQTTConfig struct {
	URL      string        `toml:"url" json:"url" env:"URL"`
	Username string        `toml:"username" json:"username,omitempty" env:"USERNAME"`
	Password string        `toml:"password" json:"-" env:"PASSWORD"`
	QoS      int           `toml:"qos" json:"qos" env:"QOS"`
	Timeout  time.Duration `toml:"timeout" json:"timeout" env:"TIMEOUT"`
	CAPath   string        `toml:"ca_path" json:"ca_path,omitempty" env:"CA_PATH"`
	CertPath string        `toml:"cert_path" json:"cert_path,omitempty" env:"CERT_PATH"`
	KeyPath  string        `toml:"key_path" json:"key_path,omitempty" env:"KEY_PATH"`
	// WorkloadKey is a hex AES-256 key shared by all roles; empty sends
	// payloads in the clear.
	WorkloadKey string `toml:"workload_key" json:"-" env:"WORKLOAD_KEY"`
}

type StoreConfig struct {
	Type string `toml:"type" json:"type" env:"TYPE"`
	Path string `toml:"path" json:"path,omitempty" env:"PATH"`
}

// HTTPConfig is the bind address; each role listens on its own port.
type HTTPConfig struct {
	Host string `toml:"host" json:"host" env:"HOST"`
}

// Default mirrors the reference homo_nn DPSGD job: one arbiter and two data
// holders on their conventional ports.
func Default() Config {
	return Config{
		Training: TrainingConfig{
			JobID:           "dpsgd",
			Mode:            ModeDPSGD,
			Delta:           1e-3,
			MaxGradNorm:     1.0,
			NoiseMultiplier: 1.0,
			LearningRate:    1e-2,
			Alpha:           0,
			Optimizer:       string(optimizer.Adam),
			BatchSize:       50,
			Epoch:           100,
			Task:            string(model.Classification),
			LabelColumn:     "y",
			HiddenUnits:     16,
			NumClasses:      2,
			BudgetPolicy:    string(orchestration.BudgetContinue),
			RoundTimeout:    time.Minute,
			MinHolders:      1,
		},
		Arbiter: ArbiterConfig{
			Port:        9010,
			JoinTimeout: 5 * time.Minute,
			Holders:     []string{RoleHost, RoleGuest},
		},
		Host: PartyConfig{
			Port:       9020,
			Dataset:    "data/host.csv",
			Liveliness: 10 * time.Second,
		},
		Guest: PartyConfig{
			Port:       9030,
			Dataset:    "data/guest.csv",
			Liveliness: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			URL:     "tcp://localhost:1883",
			QoS:     1,
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Type: StoreMemory,
			Path: "dpsgd.db",
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
		},
	}
}

// LoadConfig reads a TOML file over the defaults, then applies DPSGD_*
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}

		tree, err := toml.Load(string(data))
		if err != nil {
			return Config{}, fmt.Errorf("error parsing config file: %w", err)
		}

		if err := tree.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("error reading environment: %w", err)
	}

	return cfg, nil
}

// Save writes cfg as TOML.
func (c Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Party returns the section of a data-holder role.
func (c Config) Party(role string) (PartyConfig, error) {
	switch role {
	case RoleHost:
		return c.Host, nil
	case RoleGuest:
		return c.Guest, nil
	default:
		return PartyConfig{}, fmt.Errorf("%w: %q is not a data holder role", ErrUnknownRole, role)
	}
}

func (c Config) Validate() error {
	if err := c.Training.Validate(); err != nil {
		return err
	}

	if len(c.Arbiter.Holders) < 2 {
		return fmt.Errorf("%w: arbiter needs at least 2 data holders, got %d", ErrInvalidConfig, len(c.Arbiter.Holders))
	}
	for i, h := range c.Arbiter.Holders {
		if h == "" || slices.Contains(c.Arbiter.Holders[:i], h) {
			return fmt.Errorf("%w: invalid or duplicate holder %q", ErrInvalidConfig, h)
		}
	}
	if c.Training.MinHolders > len(c.Arbiter.Holders) {
		return fmt.Errorf("%w: min_holders %d exceeds the %d configured holders", ErrInvalidConfig, c.Training.MinHolders, len(c.Arbiter.Holders))
	}
	if c.Arbiter.JoinTimeout < 0 {
		return fmt.Errorf("%w: join_timeout must be non-negative", ErrInvalidConfig)
	}

	for _, p := range []int{c.Arbiter.Port, c.Host.Port, c.Guest.Port} {
		if p < 0 || p > math.MaxUint16 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, p)
		}
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2, got %d", ErrInvalidConfig, c.MQTT.QoS)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: sqlite store needs a path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store type %q", ErrInvalidConfig, c.Store.Type)
	}

	return nil
}

func (t TrainingConfig) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("%w: empty job_id", ErrInvalidConfig)
	}
	if t.Mode != ModeDPSGD {
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidConfig, t.Mode)
	}
	if err := checks.CheckDeltaStrict(t.Delta, "delta"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := checks.CheckEpsilonStrict(t.MaxGradNorm, "max_grad_norm"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := checks.CheckEpsilon(t.NoiseMultiplier, "noise_multiplier"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := checks.CheckEpsilonStrict(t.LearningRate, "learning_rate"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := checks.CheckEpsilon(t.Alpha, "alpha"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := checks.CheckEpsilon(t.TargetEpsilon, "target_epsilon"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch optimizer.Kind(t.Optimizer) {
	case optimizer.Adam, optimizer.SGD:
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, t.Optimizer)
	}

	switch model.Task(t.Task) {
	case model.Classification:
		if t.NumClasses < 2 {
			return fmt.Errorf("%w: classification needs num_classes >= 2, got %d", ErrInvalidConfig, t.NumClasses)
		}
	case model.Regression:
	default:
		return fmt.Errorf("%w: unknown task %q", ErrInvalidConfig, t.Task)
	}

	switch orchestration.BudgetPolicy(t.BudgetPolicy) {
	case orchestration.BudgetContinue, orchestration.BudgetHalt:
	default:
		return fmt.Errorf("%w: unknown budget_policy %q", ErrInvalidConfig, t.BudgetPolicy)
	}

	switch {
	case t.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidConfig, t.BatchSize)
	case t.Epoch < 0:
		return fmt.Errorf("%w: epoch must be non-negative, got %d", ErrInvalidConfig, t.Epoch)
	case t.HiddenUnits < 0:
		return fmt.Errorf("%w: hidden_units must be non-negative, got %d", ErrInvalidConfig, t.HiddenUnits)
	case t.RoundTimeout < 0:
		return fmt.Errorf("%w: round_timeout must be non-negative", ErrInvalidConfig)
	case t.MinHolders < 0:
		return fmt.Errorf("%w: min_holders must be non-negative, got %d", ErrInvalidConfig, t.MinHolders)
	}

	return nil
}

// OrchestratorConfig maps the job onto the arbiter's training loop.
func (t TrainingConfig) OrchestratorConfig() orchestration.Config {
	return orchestration.Config{
		JobID:                  t.JobID,
		Delta:                  t.Delta,
		NoiseMultiplier:        t.NoiseMultiplier,
		BatchSize:              t.BatchSize,
		Epochs:                 t.Epoch,
		TargetEpsilon:          t.TargetEpsilon,
		BudgetPolicy:           orchestration.BudgetPolicy(t.BudgetPolicy),
		RoundTimeout:           t.RoundTimeout,
		TolerateMissingHolders: t.TolerateMissingHolders,
		MinHolders:             t.MinHolders,
		Seed:                   t.Seed,
	}
}

// ModelSpec needs the feature count, which only the data knows.
func (t TrainingConfig) ModelSpec(inputs int) model.MLPSpec {
	return model.MLPSpec{
		Inputs:  inputs,
		Hidden:  t.HiddenUnits,
		Outputs: t.NumClasses,
		Task:    model.Task(t.Task),
		Alpha:   t.Alpha,
	}
}
