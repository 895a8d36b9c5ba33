package configuration

type Configuration struct {
	Dir                string `usage:"data directory holding checkpoint files"`
	CheckpointInterval string `usage:"periodic checkpoint interval (e.g. 30s, 5m), 0 disables the scheduler"`
	Retain             int    `usage:"checkpoint generations to keep"`
	LogLevel           string `usage:"log level: trace, debug, info, warn, error"`
	Version            bool   `usage:"show version and exit"`
	ShowBanner         bool   `usage:"show big banner"`
	ShowConfig         bool   `usage:"print config"`
}

func Default() Configuration {
	return Configuration{
		Dir:                "data",
		CheckpointInterval: "1m",
		Retain:             2,
		LogLevel:           "info",
		ShowBanner:         true,
	}
}
