package utilities

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/time/rate"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// Colors.
const (
	ColorReset  = "\033[0m"
	ColorYellow = "\033[93m" // For asset pairs
	ColorCyan   = "\033[96m" // For buy fills
	ColorRed    = "\033[91m" // For halts and degraded accounts
)

// --- Types (Alphabetized) ---

// AccountConfig describes one exchange-account pair. The bot builds one
// value object per entry at startup; accounts of different scopes never
// share credentials or ledgers.
type AccountConfig struct {
	Exchange          string     `mapstructure:"exchange"` // "kraken" or "paper"
	Scope             string     `mapstructure:"scope"`    // "operator" or "user:<id>"
	APIKey            string     `mapstructure:"api_key"`
	APISecret         string     `mapstructure:"api_secret"`
	BaseURL           string     `mapstructure:"base_url"`
	QuoteCurrency     string     `mapstructure:"quote_currency"`
	MakerFeePercent   float64    `mapstructure:"maker_fee_percent"`
	TakerFeePercent   float64    `mapstructure:"taker_fee_percent"`
	Tier              string     `mapstructure:"tier"`
	RequestTimeoutSec int        `mapstructure:"request_timeout_sec"`
	RateLimitPerSec   rate.Limit `mapstructure:"rate_limit_per_sec"`
	RateBurst         int        `mapstructure:"rate_burst"`
}

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName     string          `mapstructure:"app_name"`
	Version     string          `mapstructure:"version"`
	Environment string          `mapstructure:"environment"`
	Accounts    []AccountConfig `mapstructure:"accounts"`
	DB          DatabaseConfig  `mapstructure:"database"`
	Discord     DiscordConfig   `mapstructure:"discord"`
	Execution   ExecutionConfig `mapstructure:"execution"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Safety      SafetyConfig    `mapstructure:"safety"`
	Trading     TradingConfig   `mapstructure:"trading"`
	Web         WebConfig       `mapstructure:"web"`
}

// DatabaseConfig holds settings for the durable stores. Each store opens
// its own file under DataDir so a corrupt ledger cannot block loading the
// safety state, and vice versa.
type DatabaseConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// DiscordConfig holds settings for sending notifications via Discord.
type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// ExecutionConfig holds the retry and cool-down knobs for the order engine.
type ExecutionConfig struct {
	SequencingMaxRetries  int     `mapstructure:"sequencing_max_retries"`
	TransientMaxRetries   int     `mapstructure:"transient_max_retries"`
	BackoffBaseSec        int     `mapstructure:"backoff_base_sec"`
	SequencingBackoffSec  int     `mapstructure:"sequencing_backoff_sec"`
	SequencingBackoffCap  int     `mapstructure:"sequencing_backoff_cap_sec"`
	CooldownMinutes       int     `mapstructure:"cooldown_minutes"`
	OrderPlacementDelayMs int     `mapstructure:"order_placement_delay_ms"`
	PaperFillPrice        float64 `mapstructure:"paper_fill_price"`
}

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	LogToFile   bool   `mapstructure:"log_to_file"`
	LogFilePath string `mapstructure:"log_file_path"`
}

// SafetyConfig holds settings for the trading safety gate.
type SafetyConfig struct {
	KillSwitchFile      string `mapstructure:"kill_switch_file"`
	HistoryDisplayLimit int    `mapstructure:"history_display_limit"`
}

// TierConfig is a balance bucket defining position caps and sizing floors.
type TierConfig struct {
	Name           string  `mapstructure:"name"`
	MaxPositions   int     `mapstructure:"max_positions"`
	MinPositionUSD float64 `mapstructure:"min_position_usd"`
	MaxPositionUSD float64 `mapstructure:"max_position_usd"`
}

// TradingConfig holds general trading parameters.
type TradingConfig struct {
	QuoteCurrency        string       `mapstructure:"quote_currency"`
	DustThresholdUSD     float64      `mapstructure:"dust_threshold_usd"`
	ReconcileIntervalSec int          `mapstructure:"reconcile_interval_sec"`
	HealthCheckSec       int          `mapstructure:"health_check_sec"`
	Tiers                []TierConfig `mapstructure:"tiers"`
}

// WebConfig holds settings for the status dashboard.
type WebConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// --- Logger methods ---

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[Blackice] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// SetLogLevel updates the logging level of the logger.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.Level = level
}
