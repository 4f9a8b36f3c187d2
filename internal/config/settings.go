package config

// Settings contains the application config
type Settings struct {
	Environment string `yaml:"ENVIRONMENT"`
	LogLevel    string `yaml:"LOG_LEVEL"`
	MonPort     int    `yaml:"MON_PORT"`

	// PairIntervalSeconds is the time between pairings in serve mode.
	PairIntervalSeconds int `yaml:"PAIR_INTERVAL_SECONDS"`
	// WatchdogIntervalSeconds fails serve mode when no pairing succeeds for this long. Zero disables it.
	WatchdogIntervalSeconds int `yaml:"WATCHDOG_INTERVAL_SECONDS"`
	// SimulatedGID is the group of the in-process co-processor used with -simulate.
	SimulatedGID uint32 `yaml:"SIMULATED_GID"`
}
