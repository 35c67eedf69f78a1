package wire

import (
	"math/rand"
	"sync"
	"time"

	"github.com/user/nearby-connections/config"
)

// SimulationConfig controls how realistic the simulated radios are.
type SimulationConfig struct {
	// Connection timing
	MinConnectionDelay    time.Duration
	MaxConnectionDelay    time.Duration
	ConnectionFailureRate float64 // also applies to GATT reads

	// Discovery timing
	MinDiscoveryDelay time.Duration
	MaxDiscoveryDelay time.Duration

	// BLE scanning
	ScanInterval      time.Duration
	LostSweepInterval time.Duration

	// Deterministic mode for testing
	Deterministic bool
	Seed          int64
}

// DefaultSimulationConfig returns parameters close to real hardware:
// 30-100ms connects, 1.6% failed connects and GATT reads, up to a second
// before a new advertisement is noticed.
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MinConnectionDelay:    30 * time.Millisecond,
		MaxConnectionDelay:    100 * time.Millisecond,
		ConnectionFailureRate: 0.016,

		MinDiscoveryDelay: 100 * time.Millisecond,
		MaxDiscoveryDelay: time.Second,

		ScanInterval:      100 * time.Millisecond,
		LostSweepInterval: 3 * time.Second,
	}
}

// PerfectSimulationConfig returns a 100% reliable, zero-latency config for
// tests.
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.MinDiscoveryDelay = 0
	cfg.MaxDiscoveryDelay = 0
	cfg.ScanInterval = 20 * time.Millisecond
	cfg.LostSweepInterval = 200 * time.Millisecond
	cfg.Deterministic = true
	return cfg
}

// SimulationConfigFromConfig maps the sim and ble config sections. A
// non-zero seed makes the run deterministic.
func SimulationConfigFromConfig(sim config.SimConfig, bleCfg config.BleConfig) *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = sim.MinConnectionDelay
	cfg.MaxConnectionDelay = sim.MaxConnectionDelay
	cfg.ConnectionFailureRate = sim.ConnectionFailureRate
	cfg.MinDiscoveryDelay = sim.MinDiscoveryDelay
	cfg.MaxDiscoveryDelay = sim.MaxDiscoveryDelay
	if bleCfg.LostSweepInterval > 0 {
		cfg.LostSweepInterval = bleCfg.LostSweepInterval
	}
	if sim.Seed != 0 {
		cfg.Deterministic = true
		cfg.Seed = sim.Seed
	}
	return cfg
}

// Simulator rolls the dice for the simulated radios. Safe for concurrent
// use.
type Simulator struct {
	config *SimulationConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

func (s *Simulator) Config() *SimulationConfig { return s.config }

// ShouldConnectionSucceed returns true if a connect or GATT read should
// succeed.
func (s *Simulator) ShouldConnectionSucceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() >= s.config.ConnectionFailureRate
}

func (s *Simulator) ConnectionDelay() time.Duration {
	return s.between(s.config.MinConnectionDelay, s.config.MaxConnectionDelay)
}

func (s *Simulator) DiscoveryDelay() time.Duration {
	return s.between(s.config.MinDiscoveryDelay, s.config.MaxDiscoveryDelay)
}

func (s *Simulator) between(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}

// ScanInterval is how often a scanning device sweeps the air.
func (s *Simulator) ScanInterval() time.Duration {
	if s.config.ScanInterval <= 0 {
		return 100 * time.Millisecond
	}
	return s.config.ScanInterval
}

// LostSweepInterval is how long an advertisement may go unseen before it
// is reported lost.
func (s *Simulator) LostSweepInterval() time.Duration {
	if s.config.LostSweepInterval <= 0 {
		return 3 * time.Second
	}
	return s.config.LostSweepInterval
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
