package config

import (
	"fmt"
	"time"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Node home directory (default: ~/.questd)

	// Chain Config
	ChainID int64    `json:"chain_id"` // EVM chain ID the client talks to
	RPCURLs []string `json:"rpc_urls"` // RPC endpoints, tried round-robin with failover

	// Signing account the queue serialises submissions for
	Account string `json:"account"`

	// Status Server Config
	QueryServerPort int `json:"query_server_port"` // Port for HTTP status server (default: 8080)

	Queue     QueueConfig     `json:"queue"`
	Tracker   TrackerConfig   `json:"tracker"`
	Reads     ReadsConfig     `json:"reads"`
	Retention RetentionConfig `json:"retention"`

	// Journal persists TransactionRecords so pending outcomes survive restarts.
	JournalEnabled bool   `json:"journal_enabled"`
	JournalPath    string `json:"journal_path"` // default: <node_home>/data/journal.db

	// Capabilities is the method -> schema / affected reads / role table.
	Capabilities map[string]CapabilityConfig `json:"capabilities"`
}

// QueueConfig controls the transaction queue.
type QueueConfig struct {
	// MaxInFlight is the number of submitted-but-unsettled transactions allowed
	// before the queue stops submitting. 0 only serialises the submit call.
	MaxInFlight          *int `json:"max_in_flight,omitempty"`
	SubmitTimeoutSeconds int  `json:"submit_timeout_seconds"` // bound on a single signer call (default: 120)
}

// TrackerConfig controls the lifecycle tracker.
type TrackerConfig struct {
	PollIntervalSeconds   int `json:"poll_interval_seconds"`  // receipt poll interval (default: 4)
	DropTimeoutSeconds    int `json:"drop_timeout_seconds"`   // no-receipt timeout before Dropped (default: 180)
	RequiredConfirmations int `json:"required_confirmations"` // confirmations before Confirmed (default: 1)
	MaxPollAttempts       int `json:"max_poll_attempts"`      // retries per receipt poll on network errors (default: 3)
}

// ReadsConfig controls the read aggregator.
type ReadsConfig struct {
	StaticSeconds          int     `json:"static_seconds"`           // default: 1800
	SemiStaticSeconds      int     `json:"semi_static_seconds"`      // default: 600
	DynamicSeconds         int     `json:"dynamic_seconds"`          // default: 180
	UserSpecificSeconds    int     `json:"user_specific_seconds"`    // default: 120
	RefreshIntervalSeconds int     `json:"refresh_interval_seconds"` // background refresh tick (default: 15)
	MaxFetchAttempts       int     `json:"max_fetch_attempts"`       // retries per fetch on network errors (default: 3)
	RatePerSecond          float64 `json:"rate_per_second"`          // RPC read budget (default: 20)
	Burst                  int     `json:"burst"`                    // default: 10
}

// RetentionConfig controls the retention sweeper.
type RetentionConfig struct {
	SweepIntervalSeconds int `json:"sweep_interval_seconds"` // default: 60
	SettledRecordSeconds int `json:"settled_record_seconds"` // in-memory retention after settlement (default: 600)
	IdleReadSeconds      int `json:"idle_read_seconds"`      // unsubscribed read entry retention (default: 300)
	JournalSeconds       int `json:"journal_seconds"`        // journal row retention (default: 86400)
}

// CapabilityConfig describes one contract method the client may enqueue.
type CapabilityConfig struct {
	Signature     string   `json:"signature"`                // e.g. "mintBadge(address,uint256)"
	AffectedReads []string `json:"affected_reads,omitempty"` // read key patterns invalidated on confirmation
	RequiredRole  string   `json:"required_role,omitempty"`  // role name checked by the gate
	Description   string   `json:"description,omitempty"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// PollInterval returns the tracker poll interval.
func (c *Config) PollInterval() time.Duration { return seconds(c.Tracker.PollIntervalSeconds) }

// DropTimeout returns the tracker drop timeout.
func (c *Config) DropTimeout() time.Duration { return seconds(c.Tracker.DropTimeoutSeconds) }

// SubmitTimeout returns the bound on a single signer call.
func (c *Config) SubmitTimeout() time.Duration { return seconds(c.Queue.SubmitTimeoutSeconds) }

// MaxInFlight returns the configured in-flight limit.
func (c *Config) MaxInFlight() int {
	if c.Queue.MaxInFlight == nil {
		return 1
	}
	return *c.Queue.MaxInFlight
}

// GetCapability returns the capability for a method name.
func (c *Config) GetCapability(method string) (CapabilityConfig, error) {
	if c.Capabilities == nil {
		return CapabilityConfig{}, fmt.Errorf("no capabilities configured")
	}
	capability, ok := c.Capabilities[method]
	if !ok {
		return CapabilityConfig{}, fmt.Errorf("no capability found for method %s", method)
	}
	return capability, nil
}
