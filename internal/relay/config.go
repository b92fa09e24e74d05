package relay

// Config is the dev relay's environment configuration.
type Config struct {
	Port         string `env:"PORT" envDefault:":8080"`
	IsProduction bool   `env:"IS_PRODUCTION" envDefault:"false"`

	// Redis configuration
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"redis:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Room TTL in seconds; a room no device touched in this window
	// expires.
	RoomTTL int `env:"ROOM_TTL" envDefault:"3600"`

	// Undelivered control messages are kept this many seconds for
	// replay when the recipient reconnects.
	MessageTTL int `env:"MESSAGE_TTL" envDefault:"300"`

	// Media server URLs handed to clients, comma separated.
	ServiceURLs []string `env:"SERVICE_URLS" envDefault:"wss://media.localhost:7880"`
}
