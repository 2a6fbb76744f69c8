package mainboilerplate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.gazette.dev/hwm/codecs"
	"go.gazette.dev/hwm/store"
	"go.gazette.dev/hwm/store/etcdstore"
	"go.gazette.dev/hwm/store/memstore"
	"go.gazette.dev/hwm/store/redisstore"
	"go.gazette.dev/hwm/store/sqlstore"
	"go.gazette.dev/hwm/window"
)

// RedisConfig configures a Redis store.
type RedisConfig struct {
	Address  string        `long:"address" env:"ADDRESS" default:"localhost:6379" description:"Redis server address"`
	Username string        `long:"username" env:"USERNAME" description:"Redis ACL username"`
	Password string        `long:"password" env:"PASSWORD" description:"Redis password"`
	DB       int           `long:"db" env:"DB" default:"0" description:"Redis database number"`
	Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"Timeout of dialing Redis"`
}

// Backend returns a Backend of the configured Redis server.
func (c *RedisConfig) Backend() *redisstore.Backend {
	return &redisstore.Backend{Options: &redis.Options{
		Addr:        c.Address,
		Username:    c.Username,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.Timeout,
	}}
}

// SQLConfig configures a SQLite or PostgreSQL store.
type SQLConfig struct {
	DSN string `long:"dsn" env:"DSN" default:"hwm.db" description:"SQLite database path, or PostgreSQL connection string"`
}

// StoreConfig selects and configures the backing store, and the options of
// windowed buffers and signals within it.
type StoreConfig struct {
	Backend    string        `long:"backend" env:"BACKEND" default:"redis" choice:"memory" choice:"redis" choice:"etcd" choice:"sqlite" choice:"postgres" description:"Backing store"`
	Namespace  string        `long:"namespace" env:"NAMESPACE" default:"hwm" description:"Namespace of keys and channels"`
	Codec      string        `long:"codec" env:"CODEC" default:"none" choice:"none" choice:"gzip" choice:"snappy" choice:"zstandard" description:"Compression codec of appended entries"`
	EntryCache int           `long:"entry-cache" env:"ENTRY_CACHE" default:"1024" description:"Number of decoded entries cached per buffer. Zero disables caching"`
	Retries    int           `long:"retries" env:"RETRIES" default:"0" description:"Maximum retries of an aborted transaction. Zero retries without limit"`
	Backoff    time.Duration `long:"backoff" env:"BACKOFF" default:"0s" description:"Initial delay between retries of an aborted transaction, which doubles with each retry"`

	Redis RedisConfig `group:"Redis" namespace:"redis" env-namespace:"REDIS"`
	Etcd  EtcdConfig  `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	SQL   SQLConfig   `group:"SQL" namespace:"sql" env-namespace:"SQL"`
}

// MustBackend dials the configured Backend.
func (c *StoreConfig) MustBackend(ctx context.Context) store.Backend {
	var backend, err = c.backend(ctx)
	Must(err, "failed to open store", "backend", c.Backend)
	return backend
}

func (c *StoreConfig) backend(ctx context.Context) (store.Backend, error) {
	switch c.Backend {
	case "memory":
		return memstore.New(), nil
	case "redis":
		return c.Redis.Backend(), nil
	case "etcd":
		return &etcdstore.Backend{Client: c.Etcd.MustDial(), Root: c.Etcd.Root}, nil
	case "sqlite":
		return sqlstore.OpenSQLite(ctx, c.SQL.DSN)
	case "postgres":
		return sqlstore.OpenPostgres(ctx, c.SQL.DSN)
	default:
		return nil, errors.Errorf("unknown backend %q", c.Backend)
	}
}

// Options returns the window.Options of the StoreConfig.
func (c *StoreConfig) Options() (window.Options, error) {
	var codec, err = codecs.ParseCodec(c.Codec)
	if err != nil {
		return window.Options{}, err
	}
	var opts = window.Options{
		Namespace:      window.Namespace(c.Namespace),
		EntryCacheSize: c.EntryCache,
	}
	if codec != codecs.NONE {
		opts.Codec = window.CompressedCodec{Codec: codec}
	}
	if c.Retries != 0 || c.Backoff != 0 {
		opts.Retry = window.Backoff{Initial: c.Backoff, Max: 32 * c.Backoff, Attempts: c.Retries}
	}
	return opts, nil
}
