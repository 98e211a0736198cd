// Package credentialstore saves and loads per-account CalDAV credentials in
// the OS keychain rather than the application database, so a database dump
// never carries a usable password.
package credentialstore

import (
	"encoding/json"
	"strconv"

	"github.com/zalando/go-keyring"
)

const service = "KashCal-sub000"

// Credentials is the Basic-auth pair persisted for one account.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Store is the opaque credential collaborator DiscoveryService and the
// orchestrator's ClientFactory depend on. Save reports false (never an error) so callers can
// roll back the account they just created, matching what the OS keychain
// actually reports on most platforms: a bool, not a typed failure reason.
type Store interface {
	Save(accountID int64, creds Credentials) bool
	Load(accountID int64) (Credentials, bool)
	Delete(accountID int64)
}

// Keyring is the real Store, backed by zalando/go-keyring (Keychain on
// macOS, Secret Service on Linux, Credential Manager on Windows).
type Keyring struct{}

func New() *Keyring { return &Keyring{} }

func key(accountID int64) string {
	return strconv.FormatInt(accountID, 10)
}

func (k *Keyring) Save(accountID int64, creds Credentials) bool {
	data, err := json.Marshal(creds)
	if err != nil {
		return false
	}
	return keyring.Set(service, key(accountID), string(data)) == nil
}

func (k *Keyring) Load(accountID int64) (Credentials, bool) {
	data, err := keyring.Get(service, key(accountID))
	if err != nil {
		return Credentials{}, false
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return Credentials{}, false
	}
	return creds, true
}

func (k *Keyring) Delete(accountID int64) {
	_ = keyring.Delete(service, key(accountID))
}
