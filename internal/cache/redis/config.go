package redis

// Config contains Redis connection and vector index settings.
type Config struct {
	Addr      string `env:"REDIS_ADDR"        envDefault:"localhost:6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB"          envDefault:"0"`
	IndexName string `env:"VECTOR_INDEX_NAME" envDefault:"docqa-fragments"`
	KeyPrefix string `env:"VECTOR_KEY_PREFIX" envDefault:"docqa:frag"`
}
