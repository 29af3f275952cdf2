package config

import (
	"os"

	"github.com/samber/oops"
)

// SecureFilePermissions for files containing key material
const SecureFilePermissions = 0o600

// SecureDirPermissions for directories containing sensitive files
const SecureDirPermissions = 0o700

// StandardFilePermissions for non-sensitive configuration files
const StandardFilePermissions = 0o644

// StandardDirPermissions for non-sensitive directories
const StandardDirPermissions = 0o755

var ErrKeyFilePermissions = oops.Errorf("config: key file is readable by other users")

// CheckKeyFilePermissions refuses a pre-shared key file that other users on
// the system can read. A world-readable key file defeats the PSK entirely.
func CheckKeyFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return oops.Errorf("config: stat key file %s: %w", path, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		log.WithFields(map[string]interface{}{
			"path": path,
			"mode": info.Mode().Perm().String(),
		}).Error("Key file permissions too open")
		return ErrKeyFilePermissions
	}
	return nil
}
