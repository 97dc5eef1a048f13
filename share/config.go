package share

import "fmt"

// DefaultGuestRoot is the default directory the guest proxy scans for
// foreign endpoints (virtio-serial character devices).
const DefaultGuestRoot = "/dev/virtio-ports"

// DefaultHostRoot is the default directory the host proxy scans for
// per-guest subdirectories of Unix-domain sockets.
const DefaultHostRoot = "/tmp/qpid"

// DefaultPort is the default TCP port both proxies use: the guest proxy's
// local listening port, and the host proxy's loopback service port.
const DefaultPort = 5672

// DefaultSynTimeoutTicks is the default number of 1-second clock ticks a
// guest channel waits in SYN_SENT before giving up on the session.
const DefaultSynTimeoutTicks = 30

// Config captures the three positional CLI arguments common to both
// proxies: [root_dir [port [log_level]]].
type Config struct {
	RootDir  string
	Port     int
	LogLevel LogLevel
}

// ParseArgs fills in a Config from up to three positional CLI arguments,
// applying defaultRoot and DefaultPort/LogLevelInfo for anything omitted.
// It returns an error if a supplied port or log level cannot be parsed.
func ParseArgs(args []string, defaultRoot string) (Config, error) {
	cfg := Config{RootDir: defaultRoot, Port: DefaultPort, LogLevel: LogLevelInfo}
	if len(args) > 0 && args[0] != "" {
		cfg.RootDir = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		port, err := parsePort(args[1])
		if err != nil {
			return Config{}, err
		}
		cfg.Port = port
	}
	if len(args) > 2 && args[2] != "" {
		var lvl LogLevel
		if err := lvl.FromString(args[2]); err != nil {
			return Config{}, err
		}
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("share: invalid port %q: %w", s, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("share: port %q out of range", s)
	}
	return port, nil
}
