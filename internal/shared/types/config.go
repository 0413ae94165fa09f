package types

// CommonConf holds the listener settings and the startup node selection.
type CommonConf struct {
	ListenPort   int    `ini:"listen_port"`
	AutoSelect   bool   `ini:"auto_select"`
	SelectedNode string `ini:"selected_node"`
}

// HealthConf tunes the health monitor. Zero values fall back to the
// documented defaults (30s/5s/3s/300s, threshold 3, 1000ms cutoff).
type HealthConf struct {
	ProbeIntervalS   int `ini:"probe_interval_s"`
	ProbeTimeoutS    int `ini:"probe_timeout_s"`
	FailoverTimeoutS int `ini:"failover_timeout_s"`
	RefreshIntervalS int `ini:"refresh_interval_s"`
	FailureThreshold int `ini:"failure_threshold"`
	MaxLatencyMS     int `ini:"max_latency_ms"`
}

// DirectoryConf configures the subscription source and the latency tester.
type DirectoryConf struct {
	SubscriptionURL string `ini:"subscription_url"`
	TestConcurrency int    `ini:"test_concurrency"`
	TestTimeoutS    int    `ini:"test_timeout_s"`
}

// WebConf configures the status service. WebPort <= 0 disables it; basic
// auth is enforced only when both credentials are set.
type WebConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration.
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the unified behavior configuration loaded from config.ini.
type Config struct {
	CommonConf    `ini:"common"`
	HealthConf    `ini:"health"`
	DirectoryConf `ini:"directory"`
	WebConf       `ini:"web"`
	LogConf       `ini:"log"`
}
