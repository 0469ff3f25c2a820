//go:build !windows

package library

import (
	"fmt"

	"github.com/google/renameio/v2"
)

// writeFile replaces a file with fsync and atomic rename.
func writeFile(path string, byts []byte) error {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("unable to create pending file: %w", err)
	}
	defer pf.Cleanup() //nolint:errcheck

	_, err = pf.Write(byts)
	if err != nil {
		return err
	}

	err = pf.CloseAtomicallyReplace()
	if err != nil {
		return fmt.Errorf("unable to replace library: %w", err)
	}

	return nil
}
