package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrStateStore and ErrIdentity are sentinels cmd/routerd matches against
// to choose an exit code (spec §6: "exit codes 2 fatal state-store error, 3
// unrecoverable identity error").
var (
	ErrStateStore = errors.New("supervisor: fatal state store error")
	ErrIdentity   = errors.New("supervisor: unrecoverable identity error: no device_id or owner persisted or configured")
)

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
