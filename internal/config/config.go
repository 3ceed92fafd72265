package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       int    `env:"PORT,default=8080" validate:"min=1,max=65535"`
	DBPath     string `env:"KODEON_DB_PATH,default=./data/kodeon.db" validate:"required"`
	LogLevel   string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	NATSURL    string `env:"NATS_URL" validate:"omitempty,url"`
	RedisURL   string `env:"REDIS_URL" validate:"omitempty,url"`
	CORSOrigin string `env:"CORS_ORIGIN,default=*"`

	AutosaveInterval  time.Duration `env:"AUTOSAVE_INTERVAL,default=30s" validate:"gt=0"`
	PresenceQueueSize int           `env:"PRESENCE_QUEUE_SIZE,default=1024" validate:"min=1"`

	SendBufferSize    int     `env:"SEND_BUFFER_SIZE,default=256" validate:"min=1"`
	MessagesPerSecond float64 `env:"MESSAGES_PER_SECOND,default=100" validate:"gt=0"`
	MessageBurst      int     `env:"MESSAGE_BURST,default=200" validate:"min=1"`
	MaxMessageSize    int64   `env:"MAX_MESSAGE_SIZE,default=1048576" validate:"min=1024"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
}

var validate = validator.New()

// Load reads the given dotenv files (missing files are ignored), then the
// process environment, which wins over anything loaded from a file.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}
