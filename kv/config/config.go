package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// IsolationLevel controls which committed versions a transaction may observe.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
	SnapshotIsolation
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	case SnapshotIsolation:
		return "snapshot-isolation"
	}
	return fmt.Sprintf("isolation(%d)", int(l))
}

// ConcurrencyControl names one of the fixed set of concurrency-control
// algorithms. The set is closed; each manager operation dispatches on it.
type ConcurrencyControl int

const (
	MVCC ConcurrencyControl = iota
	TwoPhaseLocking
	OptimisticConcurrencyControl
	TimestampOrdering
)

// Algorithms lists every concurrency-control algorithm, in scoring order.
var Algorithms = []ConcurrencyControl{MVCC, TwoPhaseLocking, OptimisticConcurrencyControl, TimestampOrdering}

func (c ConcurrencyControl) String() string {
	switch c {
	case MVCC:
		return "mvcc"
	case TwoPhaseLocking:
		return "2pl"
	case OptimisticConcurrencyControl:
		return "occ"
	case TimestampOrdering:
		return "timestamp-ordering"
	}
	return fmt.Sprintf("cc(%d)", int(c))
}

// VictimStrategy selects which transaction in a deadlock cycle is aborted.
type VictimStrategy int

const (
	YoungestTransaction VictimStrategy = iota
	OldestTransaction
	FewestResourcesHeld
	Random
)

func (s VictimStrategy) String() string {
	switch s {
	case YoungestTransaction:
		return "youngest"
	case OldestTransaction:
		return "oldest"
	case FewestResourcesHeld:
		return "fewest-resources"
	case Random:
		return "random"
	}
	return fmt.Sprintf("victim(%d)", int(s))
}

// CommitProtocol selects the distributed atomic-commit protocol.
type CommitProtocol int

const (
	TwoPhaseCommit CommitProtocol = iota
	ThreePhaseCommit
	PaxosCommit
)

func (p CommitProtocol) String() string {
	switch p {
	case TwoPhaseCommit:
		return "2pc"
	case ThreePhaseCommit:
		return "3pc"
	case PaxosCommit:
		return "paxos"
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

type Config struct {
	LogLevel string

	DBPath string // Directory for the badger store. Empty means in-memory only.

	DefaultIsolationLevel     IsolationLevel
	DefaultConcurrencyControl ConcurrencyControl
	MaxActiveTransactions     int
	TransactionTimeout        time.Duration
	LockWaitTimeout           time.Duration

	// Deadlock detection.
	DeadlockDetectionInterval time.Duration
	VictimStrategy            VictimStrategy
	// Beyond this many tracked transactions cycle detection is skipped and
	// only the timeout sweep fires.
	MaxGraphSize int

	// Adaptive concurrency control.
	EnableAdaptiveConcurrency bool
	AdaptationInterval        time.Duration
	MinSamplesForAdaptation   int
	PerformanceWindowSize     int
	AlgorithmSwitchThreshold  float64

	// MVCC garbage collection.
	GCInterval time.Duration
	// Chains scanned per second during garbage collection.
	GCScanRate float64

	// Distributed commit.
	CommitProtocol CommitProtocol
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
	MaxRetries     int
}

func (c *Config) Validate() error {
	if c.MaxActiveTransactions <= 0 {
		return errors.New("max active transactions must be greater than 0")
	}
	if c.DeadlockDetectionInterval <= 0 {
		return errors.New("deadlock detection interval must be greater than 0")
	}
	if c.PerformanceWindowSize <= 0 {
		return errors.New("performance window size must be greater than 0")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if c.AlgorithmSwitchThreshold < 0 {
		log.Warnf("algorithm switch threshold %f is negative, every decision will switch", c.AlgorithmSwitchThreshold)
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:                  getLogLevel(),
		DefaultIsolationLevel:     SnapshotIsolation,
		DefaultConcurrencyControl: MVCC,
		MaxActiveTransactions:     10000,
		TransactionTimeout:        30 * time.Second,
		LockWaitTimeout:           5 * time.Second,
		DeadlockDetectionInterval: 100 * time.Millisecond,
		VictimStrategy:            YoungestTransaction,
		MaxGraphSize:              10000,
		EnableAdaptiveConcurrency: true,
		AdaptationInterval:        time.Second,
		MinSamplesForAdaptation:   100,
		PerformanceWindowSize:     1000,
		AlgorithmSwitchThreshold:  0.1,
		GCInterval:                10 * time.Second,
		GCScanRate:                10000,
		CommitProtocol:            TwoPhaseCommit,
		PrepareTimeout:            5 * time.Second,
		CommitTimeout:             10 * time.Second,
		MaxRetries:                3,
	}
}

// NewTestConfig returns a config with intervals short enough for tests.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.TransactionTimeout = 2 * time.Second
	c.LockWaitTimeout = 200 * time.Millisecond
	c.DeadlockDetectionInterval = 20 * time.Millisecond
	c.AdaptationInterval = 50 * time.Millisecond
	c.MinSamplesForAdaptation = 3
	c.PerformanceWindowSize = 64
	c.GCInterval = 100 * time.Millisecond
	c.PrepareTimeout = 500 * time.Millisecond
	c.CommitTimeout = 500 * time.Millisecond
	return c
}

// FromFile loads a TOML config file over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Annotatef(err, "decode config file %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}
