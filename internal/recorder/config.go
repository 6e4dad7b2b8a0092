package recorder

import "time"

// Config selects the answer sink and sizes the worker pool.
type Config struct {
	Backend  string        `env:"RECORDER_BACKEND"   envDefault:"log"` // log, kafka or none
	PoolSize int           `env:"RECORDER_POOL_SIZE" envDefault:"4"`
	Timeout  time.Duration `env:"RECORDER_TIMEOUT"   envDefault:"5s"`
}
