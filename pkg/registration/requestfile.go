package registration

import (
	"os"
	"path/filepath"
	"strings"
)

func requestIDPath(certificatesDirectory string) string {
	return filepath.Join(certificatesDirectory, requestIDFileName)
}

// readRequestID returns the outstanding request ID, or ("", false, nil)
// if no request is outstanding.
func readRequestID(certificatesDirectory string) (string, bool, error) {
	data, err := os.ReadFile(requestIDPath(certificatesDirectory))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

// writeRequestID persists id to certificate-request-id.txt atomically,
// fsyncing before the rename so a crash never leaves a file that lists a
// request ID the doorman was never actually asked about.
func writeRequestID(certificatesDirectory, id string) error {
	if err := os.MkdirAll(certificatesDirectory, 0o700); err != nil {
		return err
	}
	path := requestIDPath(certificatesDirectory)
	tmp, err := os.CreateTemp(certificatesDirectory, requestIDFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(id); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// deleteRequestID removes the marker file, if present.
func deleteRequestID(certificatesDirectory string) error {
	err := os.Remove(requestIDPath(certificatesDirectory))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
