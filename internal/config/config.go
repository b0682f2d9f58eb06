// Package config binds the run's configuration: environment variables via
// viper for both processes, YAML strategy profiles for the franchises.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/squad"
)

// Run configures the orchestrator process.
type Run struct {
	AuctionID  string
	DBDSN      string
	BrokerAddr string
	AuctionURL string // page every agent context navigates to

	LogLevel string
	LogFile  string
	RunLog   string // JSONL event log path, empty disables
	Report   string // final report path

	StrategyDir string

	QueueCap     int
	PoolCapacity int
	Cooldown     time.Duration
	StaggerDelay time.Duration
	StopTimeout  time.Duration

	InferenceBaseURL string
	InferenceModel   string
	InferenceAPIKey  string

	Headless  bool
	DebugPort int
}

// Agent configures a worker process. Everything arrives via environment
// because the orchestrator is the only thing that launches workers.
type Agent struct {
	Franchise  string
	AuctionID  string
	BrokerAddr string
	DBDSN      string
	AuctionURL string

	LogFile     string
	StrategyDir string
}

// newViper builds a viper instance bound to the AUCTION_* environment.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AUCTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadRun resolves the orchestrator configuration from the environment
// with defaults for everything optional.
func LoadRun() (Run, error) {
	v := newViper()
	v.SetDefault("id", "auction-"+uuid.NewString()[:8])
	v.SetDefault("broker_addr", "127.0.0.1:7933")
	v.SetDefault("url", "http://127.0.0.1:3000/auction")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("run_log", "logs/run.jsonl")
	v.SetDefault("report", "logs/report.json")
	v.SetDefault("strategy_dir", "strategies")
	v.SetDefault("queue_cap", 3)
	v.SetDefault("pool_capacity", 4)
	v.SetDefault("cooldown", 5*time.Second)
	v.SetDefault("stagger_delay", 2*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("inference_base_url", "http://127.0.0.1:11434/v1")
	v.SetDefault("inference_model", "llama3.1")
	v.SetDefault("inference_api_key", "")
	v.SetDefault("headless", true)
	v.SetDefault("debug_port", 9222)

	cfg := Run{
		AuctionID:        v.GetString("id"),
		DBDSN:            v.GetString("db_dsn"),
		BrokerAddr:       v.GetString("broker_addr"),
		AuctionURL:       v.GetString("url"),
		LogLevel:         v.GetString("log_level"),
		LogFile:          v.GetString("log_file"),
		RunLog:           v.GetString("run_log"),
		Report:           v.GetString("report"),
		StrategyDir:      v.GetString("strategy_dir"),
		QueueCap:         v.GetInt("queue_cap"),
		PoolCapacity:     v.GetInt("pool_capacity"),
		Cooldown:         v.GetDuration("cooldown"),
		StaggerDelay:     v.GetDuration("stagger_delay"),
		StopTimeout:      v.GetDuration("stop_timeout"),
		InferenceBaseURL: v.GetString("inference_base_url"),
		InferenceModel:   v.GetString("inference_model"),
		InferenceAPIKey:  v.GetString("inference_api_key"),
		Headless:         v.GetBool("headless"),
		DebugPort:        v.GetInt("debug_port"),
	}
	if cfg.DBDSN == "" {
		return Run{}, fmt.Errorf("AUCTION_DB_DSN is required")
	}
	return cfg, nil
}

// LoadAgent resolves a worker's configuration from the environment set by
// its parent.
func LoadAgent() (Agent, error) {
	v := newViper()
	v.SetDefault("strategy_dir", "strategies")
	v.SetDefault("log_file", "")
	v.SetDefault("url", "http://127.0.0.1:3000/auction")

	cfg := Agent{
		Franchise:   v.GetString("franchise"),
		AuctionID:   v.GetString("id"),
		BrokerAddr:  v.GetString("broker_addr"),
		DBDSN:       v.GetString("db_dsn"),
		AuctionURL:  v.GetString("url"),
		LogFile:     v.GetString("log_file"),
		StrategyDir: v.GetString("strategy_dir"),
	}
	if cfg.Franchise == "" {
		return Agent{}, fmt.Errorf("AUCTION_FRANCHISE is required")
	}
	if cfg.BrokerAddr == "" {
		return Agent{}, fmt.Errorf("AUCTION_BROKER_ADDR is required")
	}
	if cfg.DBDSN == "" {
		return Agent{}, fmt.Errorf("AUCTION_DB_DSN is required")
	}
	return cfg, nil
}

// LoadStrategy reads the franchise's YAML bidding profile from dir. A
// missing file falls back to a balanced default profile.
func LoadStrategy(dir, franchise string) (squad.Strategy, error) {
	path := filepath.Join(dir, franchise+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultStrategy(franchise), nil
	}
	if err != nil {
		return squad.Strategy{}, fmt.Errorf("read strategy %s: %w", path, err)
	}

	var s squad.Strategy
	if err := yaml.Unmarshal(data, &s); err != nil {
		return squad.Strategy{}, fmt.Errorf("parse strategy %s: %w", path, err)
	}
	if s.Franchise == "" {
		s.Franchise = franchise
	}
	if err := s.Validate(); err != nil {
		return squad.Strategy{}, err
	}
	return s, nil
}

// DefaultStrategy is the balanced profile used when a franchise has no
// YAML file.
func DefaultStrategy(franchise string) squad.Strategy {
	return squad.Strategy{
		Franchise: franchise,
		Targets: map[squad.Role]int{
			squad.RoleBatter:       7,
			squad.RoleBowler:       7,
			squad.RoleAllRounder:   3,
			squad.RoleWicketkeeper: 2,
		},
		MaxPerPlayerLakh: 1800,
		Aggression:       0.5,
	}
}
