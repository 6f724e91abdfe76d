package logger

import (
	"path/filepath"
)

var defaultConfig = createDefaultConfig()

// Logging configuration
type Config struct {
	ConsoleConfig *ConsoleConfig // If nil, the logger will not log into the console
	FileConfig    *FileConfig    // If nil, the logger will not use an individual log file
	RollingConfig *RollingConfig // If nil, the logger will not use a rolling log

	MinLevel string // debug | info | warn | error | fatal
}

type ConsoleConfig struct {
	noColor bool
	asJSON  bool
}

type FileConfig struct {
	Dirname  string
	Filename string
}

func (fc *FileConfig) Fullpath() string {
	return filepath.Join(fc.Dirname, fc.Filename)
}

type RollingConfig struct {
	Dirname  string
	Filename string

	maxSize    int // megabytes
	maxBackups int // files
	maxAge     int // days
}

func createDefaultConfig() Config {
	const minLevel = "info"

	const rollingMaxSize = 1    // Mb
	const rollingMaxBackups = 5 // files
	const rollingMaxAge = 0     // Keep forever
	const defaultLogFilename = "icmptun.log"

	return Config{
		ConsoleConfig: &ConsoleConfig{
			noColor: false,
			asJSON:  false,
		},
		FileConfig: &FileConfig{
			Dirname:  "",
			Filename: defaultLogFilename,
		},
		RollingConfig: &RollingConfig{
			Dirname:    "",
			Filename:   defaultLogFilename,
			maxSize:    rollingMaxSize,
			maxBackups: rollingMaxBackups,
			maxAge:     rollingMaxAge,
		},
		MinLevel: minLevel,
	}
}

// CreateConfig assembles the logging configuration the way the CLI surfaces
// it: an optional console writer plus at most one of a rolling log directory
// or a single log file.
func CreateConfig(
	minLevel string,
	disableTerminal bool,
	jsonTerminal bool,
	rollingLogPath, nonRollingLogFilePath string,
) *Config {
	var console *ConsoleConfig
	if !disableTerminal {
		console = &ConsoleConfig{
			asJSON: jsonTerminal,
		}
	}

	var file *FileConfig
	var rolling *RollingConfig
	if nonRollingLogFilePath != "" {
		dirname, filename := filepath.Split(nonRollingLogFilePath)
		file = &FileConfig{
			Dirname:  dirname,
			Filename: filename,
		}
	} else if rollingLogPath != "" {
		rolling = &RollingConfig{
			Dirname:    rollingLogPath,
			Filename:   defaultConfig.RollingConfig.Filename,
			maxSize:    defaultConfig.RollingConfig.maxSize,
			maxBackups: defaultConfig.RollingConfig.maxBackups,
			maxAge:     defaultConfig.RollingConfig.maxAge,
		}
	}

	if minLevel == "" {
		minLevel = defaultConfig.MinLevel
	}

	return &Config{
		ConsoleConfig: console,
		FileConfig:    file,
		RollingConfig: rolling,
		MinLevel:      minLevel,
	}
}
