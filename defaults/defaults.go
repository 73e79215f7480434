package defaults

import (
	"os"
	"path/filepath"

	humanize "github.com/dustin/go-humanize"
	homedir "github.com/mitchellh/go-homedir"
	e "github.com/pkg/errors"
	"github.com/sahib/config"
)

// CurrentVersion is the current version of the vmcache config
const CurrentVersion = 0

// Defaults is the default validation for vmcache
var Defaults = DefaultsV0

// DefaultPath is where the config is looked up when no path was given.
const DefaultPath = "~/.config/vmcache/config.yml"

// ExpandPath resolves a leading "~" in `path`.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", e.Wrapf(err, "failed to expand %s", path)
	}

	return expanded, nil
}

// OpenDefaults returns a config that only holds default values.
func OpenDefaults() (*config.Config, error) {
	return config.Open(nil, Defaults, config.StrictnessPanic)
}

// OpenMigratedConfig takes the config.yml at path and loads it.
// If required, it also migrates the config structure to the newest
// version. A missing file yields the defaults.
func OpenMigratedConfig(path string) (*config.Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	fd, err := os.Open(path)
	if os.IsNotExist(err) {
		return OpenDefaults()
	}

	if err != nil {
		return nil, e.Wrap(err, "failed to open config")
	}

	defer fd.Close()

	mgr := config.NewMigrater(CurrentVersion, config.StrictnessWarn)
	mgr.Add(0, nil, DefaultsV0)

	cfg, err := mgr.Migrate(config.NewYamlDecoder(fd))
	if err != nil {
		return nil, e.Wrap(err, "failed to migrate")
	}

	return cfg, nil
}

// Save writes `cfg` as YAML to `path`, creating parent directories.
func Save(cfg *config.Config, path string) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return e.Wrap(err, "failed to create config dir")
	}

	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return e.Wrap(err, "failed to open config for writing")
	}

	if err := cfg.Save(config.NewYamlEncoder(fd)); err != nil {
		fd.Close()
		return e.Wrap(err, "failed to save config")
	}

	return fd.Close()
}

// Bytes reads a size key like "8 MiB" from `cfg`.
func Bytes(cfg *config.Config, key string) (int64, error) {
	size, err := humanize.ParseBytes(cfg.String(key))
	if err != nil {
		return 0, e.Wrapf(err, "bad size in %s", key)
	}

	return int64(size), nil
}
