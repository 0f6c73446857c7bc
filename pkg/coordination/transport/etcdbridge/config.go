// Package etcdbridge implements the transport contract on top of an etcd
// cluster. Tree paths are mapped onto flat etcd keys, the logical session is
// backed by an etcd lease kept alive by the client.
package etcdbridge

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
)

type Config struct {
	// Endpoint of an etcd cluster member.
	Endpoint string `configKey:"endpoint" configUsage:"Etcd endpoint." validate:"required"`
	// Username for etcd authentication, optional.
	Username string `configKey:"username" configUsage:"Etcd username."`
	// Password for etcd authentication, optional.
	Password string `configKey:"password" configUsage:"Etcd password." sensitive:"true"`
	// ConnectTimeout limits one dial attempt, a failed attempt is retried.
	ConnectTimeout time.Duration `configKey:"connectTimeout" configUsage:"Maximum time of one connection attempt." validate:"required"`
	// KeepAliveTimeout limits one keep-alive request.
	KeepAliveTimeout time.Duration `configKey:"keepAliveTimeout" configUsage:"Maximum time of one keep-alive request." validate:"required"`
	// KeepAliveInterval is the period between keep-alive requests.
	KeepAliveInterval time.Duration `configKey:"keepAliveInterval" configUsage:"Period between keep-alive requests." validate:"required"`
	// SessionTTLSeconds is the lease TTL backing the logical session.
	// When keep-alives fail for longer, the service expires the session.
	SessionTTLSeconds int `configKey:"sessionTTLSeconds" configUsage:"Lease TTL of the logical session, in seconds." validate:"required,min=1"`
}

func NewConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		KeepAliveTimeout:  5 * time.Second,
		KeepAliveInterval: 10 * time.Second,
		SessionTTLSeconds: 15,
	}
}

func (c Config) Normalize() Config {
	c.Endpoint = strings.Trim(c.Endpoint, " /")
	return c
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.PrefixError(err, "etcd bridge config is not valid")
	}
	return nil
}
