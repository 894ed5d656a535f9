package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol names accepted in MAIL_PROTOCOL.
const (
	ProtocolPOP3 = "pop3"
	ProtocolIMAP = "imap"
)

// Config is the process configuration, read once from the environment at
// startup and immutable afterwards.
type Config struct {
	// Mailbox connection.
	Protocol   string // pop3 or imap
	Server     string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	IMAPFolder string

	// Telegram delivery.
	BotToken string
	ChatID   string // numeric chat id, or @channelname

	// Seen-message store, e.g. sqlite:///mail2telegram.db or postgres://...
	DatabaseURL string

	CheckIntervalMinutes int
	MaxMessageLength     int
	DeleteAfterForward   bool
	LogLevel             string
}

// FromEnv builds the configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Protocol:    strings.ToLower(envOr("MAIL_PROTOCOL", ProtocolPOP3)),
		Username:    os.Getenv("POP3_USER"),
		Password:    os.Getenv("POP3_PASSWORD"),
		IMAPFolder:  envOr("IMAP_FOLDER", "INBOX"),
		BotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		ChatID:      os.Getenv("TELEGRAM_CHAT_ID"),
		DatabaseURL: envOr("DATABASE_URL", "sqlite:///mail2telegram.db"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
	}

	var err error
	switch cfg.Protocol {
	case ProtocolPOP3:
		cfg.Server = os.Getenv("POP3_SERVER")
		if cfg.Port, err = envInt("POP3_PORT", 110); err != nil {
			return nil, err
		}
		// Port 995 implies POP3S unless POP3_TLS says otherwise.
		if cfg.UseTLS, err = envBool("POP3_TLS", cfg.Port == 995); err != nil {
			return nil, err
		}
	case ProtocolIMAP:
		cfg.Server = os.Getenv("IMAP_SERVER")
		if cfg.Port, err = envInt("IMAP_PORT", 993); err != nil {
			return nil, err
		}
		if cfg.UseTLS, err = envBool("IMAP_TLS", cfg.Port == 993); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("MAIL_PROTOCOL must be %s or %s, got %q", ProtocolPOP3, ProtocolIMAP, cfg.Protocol)
	}

	if cfg.CheckIntervalMinutes, err = envInt("CHECK_INTERVAL_MINUTES", 5); err != nil {
		return nil, err
	}
	if cfg.MaxMessageLength, err = envInt("MAX_MESSAGE_LENGTH", 4000); err != nil {
		return nil, err
	}
	if cfg.DeleteAfterForward, err = envBool("DELETE_AFTER_FORWARD", false); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckInterval returns the poll interval as a time.Duration.
func (c *Config) CheckInterval() time.Duration {
	if c.CheckIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

func (c *Config) validate() error {
	var missing []string
	if c.Server == "" {
		if c.Protocol == ProtocolIMAP {
			missing = append(missing, "IMAP_SERVER")
		} else {
			missing = append(missing, "POP3_SERVER")
		}
	}
	if c.Username == "" {
		missing = append(missing, "POP3_USER")
	}
	if c.Password == "" {
		missing = append(missing, "POP3_PASSWORD")
	}
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.ChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("CHECK_INTERVAL_MINUTES must be positive, got %d", c.CheckIntervalMinutes)
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive, got %d", c.MaxMessageLength)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}
