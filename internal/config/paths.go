package config

import (
	"os"
	"path/filepath"
)

// UserConfigPath returns the path to the user-scope config file,
// $XDG_CONFIG_HOME/codemode-mcp/config.toml or ~/.config/codemode-mcp/config.toml.
// Adapted from the teacher's paths.GetMetatoolDir, which resolves the same
// way but for a JSON servers file rather than a TOML one.
func UserConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "codemode-mcp", "config.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "codemode-mcp", "config.toml"), nil
}

// ProjectConfigPath returns the path to the project-scope config file,
// resolved relative to the current working directory.
func ProjectConfigPath() string {
	return filepath.Join(".codemode-mcp", "config.toml")
}
