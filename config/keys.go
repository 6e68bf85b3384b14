package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/russignol/signer/bls"
	"github.com/russignol/signer/signer"
)

// keyFileEntry is one record of the handover file written by the host-side
// provisioning step after it has decrypted the key material.
type keyFileEntry struct {
	Alias     string `json:"alias"`
	SecretKey string `json:"secret_key"`
}

// LoadKeys reads the decrypted key handover file: a JSON array of
// {alias, secret_key} records with base58check (BLsk) secret keys. The file
// is produced by the provisioning step outside this process; the daemon
// only consumes it once at startup.
func LoadKeys(path string) ([]signer.KeyEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read keys file: %w", err)
	}

	var records []keyFileEntry
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("config: parse keys file: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("config: keys file %s contains no keys", path)
	}

	entries := make([]signer.KeyEntry, 0, len(records))
	for i, rec := range records {
		if rec.Alias == "" {
			return nil, fmt.Errorf("config: keys file entry %d has no alias", i)
		}
		sk, err := bls.SecretKeyFromB58Check(rec.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("config: keys file entry %q: %w", rec.Alias, err)
		}
		entries = append(entries, signer.KeyEntry{Alias: rec.Alias, SecretKey: sk})
	}
	return entries, nil
}
