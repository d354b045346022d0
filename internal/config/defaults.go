package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "bounceguard"

// configExts are tried in order when looking for a config file.
var configExts = []string{".toml", ".json", ".yaml", ".yml"}

// home is the user's home directory, or the working directory when it
// cannot be determined (service accounts without a profile).
func home() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

// envDir returns $env/bounceguard, or the path under home built from
// fallback when env is unset.
func envDir(env string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(append(append([]string{home()}, fallback...), appName)...)
}

// PlatformDataDir holds the journal and migration history:
// ~/Library/Application Support/bounceguard on macOS,
// $XDG_DATA_HOME/bounceguard on Linux and %APPDATA%\bounceguard on
// Windows.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "linux":
		return envDir("XDG_DATA_HOME", ".local", "share")
	case "windows":
		return envDir("APPDATA", "AppData", "Roaming")
	case "darwin":
		return filepath.Join(home(), "Library", "Application Support", appName)
	}
	return filepath.Join(home(), "."+appName)
}

// PlatformConfigDir is $XDG_CONFIG_HOME/bounceguard on Linux and the
// data directory elsewhere.
func PlatformConfigDir() string {
	if runtime.GOOS == "linux" {
		return envDir("XDG_CONFIG_HOME", ".config")
	}
	return PlatformDataDir()
}

// PlatformLogDir is where the rotated daemon log goes.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home(), "Library", "Logs", appName)
	case "windows":
		return filepath.Join(envDir("LOCALAPPDATA", "AppData", "Local"), "logs")
	}
	return filepath.Join(PlatformDataDir(), "logs")
}

// PlatformRuntimeDir holds the instance lock file. Windows uses a
// named mutex and only needs a directory that exists.
func PlatformRuntimeDir() string {
	if runtime.GOOS == "windows" {
		return PlatformDataDir()
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && runtime.GOOS == "linux" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

// FindConfigFile returns the first config.<ext> found in the working
// directory, the config directory, or next to the executable, where
// version 1 kept its config.json. It returns "" when there is none.
func FindConfigFile() string {
	dirs := []string{".", PlatformConfigDir()}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	for _, dir := range dirs {
		for _, ext := range configExts {
			path := filepath.Join(dir, "config"+ext)
			if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() {
				return path
			}
		}
	}
	return ""
}
