package config

// Config is the on-disk configuration. Secrets may be left empty in the file
// and supplied through the environment (see env tags).
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
	Upload   UploadConfig   `json:"upload"`
	Monitor  MonitorConfig  `json:"monitor"`
	Watcher  WatcherConfig  `json:"watcher"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"FOTOMATOR_LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the log chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fotomator.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 file memory mem"`
	Path        string `json:"path" env:"FOTOMATOR_STORAGE_PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TelegramConfig drives the bot used for notifications and, when
// slack.enabled is false, as the upload destination.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token" env:"FOTOMATOR_TELEGRAM_TOKEN" validate:"required_if=Enabled true"`
	// ChatID receives notifications and accepts button presses.
	ChatID int64 `json:"chat_id" env:"FOTOMATOR_TELEGRAM_CHAT_ID" validate:"required_if=Enabled true"`
	// LogChat is "chat[:thread]" for the log sink. Defaults to ChatID.
	LogChat string `json:"log_chat,omitempty"`
	// Destinations are the chats offered by `fotomator channels`.
	Destinations []TelegramDestination `json:"destinations,omitempty" validate:"dive"`
	APIURL       string                `json:"api_url,omitempty" validate:"omitempty,url"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type TelegramDestination struct {
	ID   int64  `json:"id" validate:"required"`
	Name string `json:"name"`
}

type SlackConfig struct {
	Enabled      bool   `json:"enabled"`
	BaseURL      string `json:"base_url,omitempty" validate:"omitempty,url"`
	ClientID     string `json:"client_id" env:"FOTOMATOR_SLACK_CLIENT_ID"`
	ClientSecret string `json:"client_secret" env:"FOTOMATOR_SLACK_CLIENT_SECRET"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	// Token seeds the stored user token when no authorization has run yet.
	Token      string `json:"token,omitempty" env:"FOTOMATOR_SLACK_TOKEN"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
	Timeout    string `json:"timeout,omitempty"`
}

// UploadConfig is the retry policy. Changes apply to the next schedule.
type UploadConfig struct {
	Delay   string `json:"delay"`
	Ceiling int    `json:"ceiling" validate:"gte=0"`
	Workers int    `json:"workers" validate:"gte=0"`
}

type MonitorConfig struct {
	SettleDelay    string `json:"settle_delay,omitempty"`
	RescanSchedule string `json:"rescan_schedule,omitempty"`
	// AutoStopAt is an RFC3339 deadline. Empty clears it.
	AutoStopAt  string `json:"auto_stop_at,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`
}

type WatcherConfig struct {
	InternalDirs []string `json:"internal_dirs" validate:"dive,required"`
	ExternalDirs []string `json:"external_dirs" validate:"dive,required"`
	Debounce     string   `json:"debounce,omitempty"`
}
