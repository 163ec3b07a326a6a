package constant

import "os"

// <NodeDir>/                    (e.g., /home/user/.questd)
// └── config/
//	└── questd_config.json
// └── data/
//	└── journal.db

const (
	NodeDir = ".questd"

	ConfigSubdir   = "config"
	ConfigFileName = "questd_config.json"

	DataSubdir      = "data"
	JournalFileName = "journal.db"

	// EnvPrefix is the prefix for environment overrides (QUESTD_LOG_LEVEL, ...).
	EnvPrefix = "QUESTD"
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir
