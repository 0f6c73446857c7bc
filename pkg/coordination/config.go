package coordination

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
)

type Config struct {
	// ConnectionTimeout configures how long a queued operation waits for the connection
	// before a connection loss is synthesized and fed to the retry policy.
	ConnectionTimeout time.Duration `configKey:"connectionTimeout" configUsage:"How long a queued operation waits for the connection before the retry policy engages." validate:"required"`
	// ForcedSleep configures the fixed backoff of an operation waiting for the connection.
	ForcedSleep time.Duration `configKey:"forcedSleep" configUsage:"Fixed backoff of an operation waiting for the connection." validate:"required"`
	// MaxCloseWait configures the bounded wait for the dispatch loop on Close.
	MaxCloseWait time.Duration `configKey:"maxCloseWait" configUsage:"Bounded wait for the dispatch loop termination on close." validate:"required"`
	// StateQueueSize configures the capacity of the connection state delivery queue.
	StateQueueSize int `configKey:"stateQueueSize" configUsage:"Capacity of the connection state delivery queue." validate:"required,min=1"`
}

func NewConfig() Config {
	return Config{
		ConnectionTimeout: 15 * time.Second,
		ForcedSleep:       time.Second,
		MaxCloseWait:      time.Second,
		StateQueueSize:    25,
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.PrefixError(err, "coordination client config is not valid")
	}
	return nil
}
