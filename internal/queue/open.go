package queue

import (
	"fmt"
	"path/filepath"
)

// Backend names accepted by OpenStore.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// OpenStore opens the named backend rooted in dataDir.
func OpenStore(backend, dataDir string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(filepath.Join(dataDir, "queue"))
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dataDir, "queue.db"))
	case BackendBadger:
		return OpenBadger(filepath.Join(dataDir, "queue.badger"))
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}
