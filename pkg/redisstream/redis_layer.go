package redisstream

// Settings holds Redis Streams transport configuration for push events.
type Settings struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	Topic    string `yaml:"topic" env:"TOPIC"`
	Group    string `yaml:"group" env:"GROUP"`
	Consumer string `yaml:"consumer" env:"CONSUMER"`
}

// DefaultSettings mirrors the defaults the CLI registers.
func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Topic:    "chat-events",
		Group:    "chatsync",
		Consumer: "chatsync-1",
	}
}
