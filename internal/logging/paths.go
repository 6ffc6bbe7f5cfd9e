package logging

import (
	"os"
	"path/filepath"
)

// DisabledPath turns file logging off when used as the configured log file.
const DisabledPath = "none"

// DefaultLogDir returns the default log directory (~/.msgsearch/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".msgsearch", "logs")
	}
	return filepath.Join(home, ".msgsearch", "logs")
}

// DefaultLogPath returns the default server log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "server.log")
}

// ResolvePath maps a configured log file to the path Setup expects:
// empty selects the default, DisabledPath selects no file.
func ResolvePath(configured string) string {
	switch configured {
	case "":
		return DefaultLogPath()
	case DisabledPath:
		return ""
	default:
		return configured
	}
}
