package mongoutil

import (
	"fmt"
	"net/url"
	"strings"

	"PPChat/global/config"

	"github.com/pkg/errors"
)

const (
	defaultMaxPool  = 20
	defaultMaxRetry = 3
)

// Config 连接参数；URI 与 Hosts 二选一
type Config struct {
	URI        string
	Hosts      []string
	Database   string
	Username   string
	Password   string
	AuthSource string
	MaxPool    uint64
	MaxRetry   int
}

func FromConfig(c config.MongoConfig) *Config {
	return &Config{URI: c.URI, Database: c.Database, MaxPool: c.MaxPool}
}

// normalize 校验并补默认值，必要时由 Hosts 拼出 URI
func (c *Config) normalize() error {
	if c.URI == "" && len(c.Hosts) == 0 {
		return errors.New("mongo: uri or hosts required")
	}
	if c.Database == "" {
		return errors.New("mongo: database required")
	}
	if c.MaxPool == 0 {
		c.MaxPool = defaultMaxPool
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	if c.URI == "" {
		c.URI = c.hostsURI()
	}
	return nil
}

func (c *Config) hostsURI() string {
	src := c.AuthSource
	if src == "" {
		src = c.Database
	}
	var cred string
	if c.Username != "" && c.Password != "" {
		cred = url.UserPassword(c.Username, c.Password).String() + "@"
	}
	return fmt.Sprintf("mongodb://%s%s/%s?authSource=%s&maxPoolSize=%d",
		cred, strings.Join(c.Hosts, ","), c.Database, src, c.MaxPool)
}
