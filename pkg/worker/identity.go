package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const identityFile = "identity.json"

// identity is the worker's durable name. It survives restarts so the
// registry keeps recognizing an approved host, and is discarded on
// self-revocation so the host comes back as a fresh pending worker.
type identity struct {
	WorkerID  string    `json:"workerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// loadOrCreateIdentity returns the persisted identity, minting one on first
// start. An explicit override skips persistence.
func loadOrCreateIdentity(dataDir, override string) (identity, error) {
	if override != "" {
		return identity{WorkerID: override, CreatedAt: time.Now()}, nil
	}

	path := filepath.Join(dataDir, identityFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var id identity
		if jsonErr := json.Unmarshal(data, &id); jsonErr == nil && id.WorkerID != "" {
			return id, nil
		}
		// corrupt file, fall through and mint a new one
	} else if !os.IsNotExist(err) {
		return identity{}, fmt.Errorf("failed to read identity: %w", err)
	}

	id := identity{WorkerID: "ant-" + uuid.NewString()[:13], CreatedAt: time.Now()}
	if err := writeIdentity(dataDir, id); err != nil {
		return identity{}, err
	}
	return id, nil
}

func writeIdentity(dataDir string, id identity) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dataDir, identityFile+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dataDir, identityFile))
}

// discardIdentity removes the persisted identity so the next start
// registers as a new worker.
func discardIdentity(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, identityFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
