// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"fmt"
	"os"
	"path/filepath"

	xglog "github.com/ManuGH/tripsync/internal/log"
)

// CheckDataDir creates dir if needed and verifies it is a writable
// directory. The buffer and the device id live there.
func CheckDataDir(dir string) error {
	logger := xglog.WithComponent("startup-check")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", dir, err)
	}
	_ = os.Remove(probe)

	logger.Debug().Str(xglog.FieldPath, dir).Msg("data directory is writable")
	return nil
}
