//go:build windows

package library

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFile replaces a file with a temporary file and a rename.
func writeFile(path string, byts []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".library-*.tmp")
	if err != nil {
		return fmt.Errorf("unable to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	_, err = tmp.Write(byts)
	if err != nil {
		tmp.Close()
		return err
	}

	err = tmp.Sync()
	if err != nil {
		tmp.Close()
		return err
	}

	err = tmp.Close()
	if err != nil {
		return err
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		return fmt.Errorf("unable to replace library: %w", err)
	}

	return nil
}
