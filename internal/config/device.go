package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"voice-sync/internal/domain"
)

const deviceIDFile = "device_id"

// ResolveDevice returns this device's identity. An explicit ID wins;
// otherwise the id stored in the data dir is used, and a new one is
// generated and stored on first run.
func (c *Config) ResolveDevice() (domain.Device, error) {
	if c.Device.ID != "" {
		return domain.Device{ID: c.Device.ID, Name: c.Device.Name}, nil
	}

	path := filepath.Join(c.Device.DataDir, deviceIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.ToLower(strings.TrimSpace(string(data)))
		if len(id) != 32 {
			return domain.Device{}, errors.Newf("corrupt device id in %s", path)
		}
		c.Device.ID = id
	case os.IsNotExist(err):
		if err := os.MkdirAll(c.Device.DataDir, 0o700); err != nil {
			return domain.Device{}, errors.Wrap(err, "create data dir")
		}
		c.Device.ID = domain.NewDeviceID()
		if err := os.WriteFile(path, []byte(c.Device.ID+"\n"), 0o600); err != nil {
			return domain.Device{}, errors.Wrap(err, "write device id")
		}
	default:
		return domain.Device{}, errors.Wrap(err, "read device id")
	}

	return domain.Device{ID: c.Device.ID, Name: c.Device.Name}, nil
}
