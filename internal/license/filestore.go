package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	licerrors "licensegate/internal/errors"
)

// Signing key derivation parameters. N, r and p follow the OWASP minimums
// for scrypt; the salt is fixed so the derived key is stable across
// restarts for the same configured secret.
const (
	keySalt   = "licensegate/store/v1"
	keyN      = 32768
	keyR      = 8
	keyP      = 1
	keyLength = 32
)

// stateFile is the on-disk envelope for one handle's records. The signature
// covers the payload so local edits are detectable.
type stateFile struct {
	Activation *ActivationRecord `json:"activation,omitempty"`
	Trial      *TrialRecord      `json:"trial,omitempty"`
	Signature  string            `json:"signature"`
}

// FileStore persists records as HMAC-SHA256-signed JSON files, one per
// handle, written atomically and synced before Save returns.
type FileStore struct {
	dir    string
	secret []byte
}

// NewFileStore creates the store directory if needed. The secret seeds the
// integrity signing key and must be stable across restarts; it is stretched
// with scrypt so a short configured secret does not weaken the signature.
func NewFileStore(dir string, secret []byte) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	key, err := scrypt.Key(secret, []byte(keySalt), keyN, keyR, keyP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return &FileStore{dir: dir, secret: key}, nil
}

func (s *FileStore) path(h Handle) string {
	return filepath.Join(s.dir, fmt.Sprintf("handle-%08x.json", uint32(h)))
}

// Load returns the stored records for a handle. A missing file loads as
// (nil, nil, nil). A file that fails the integrity check returns
// ErrStoreTampered with nil records; callers decide whether to treat the
// state as absent.
func (s *FileStore) Load(h Handle) (*ActivationRecord, *TrialRecord, error) {
	data, err := os.ReadFile(s.path(h))
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil, licerrors.ErrStoreTampered
	}
	if !hmac.Equal([]byte(state.Signature), []byte(s.sign(state.Activation, state.Trial))) {
		return nil, nil, licerrors.ErrStoreTampered
	}
	return state.Activation, state.Trial, nil
}

// SaveActivation durably replaces the activation record, preserving any
// trial record in the same file.
func (s *FileStore) SaveActivation(h Handle, rec *ActivationRecord) error {
	_, trial, err := s.Load(h)
	if err != nil && !errors.Is(err, licerrors.ErrStoreTampered) {
		return err
	}
	return s.write(h, rec, trial)
}

// SaveTrial durably replaces the trial record, preserving any activation
// record in the same file.
func (s *FileStore) SaveTrial(h Handle, rec *TrialRecord) error {
	activation, _, err := s.Load(h)
	if err != nil && !errors.Is(err, licerrors.ErrStoreTampered) {
		return err
	}
	return s.write(h, activation, rec)
}

// ClearActivation removes the activation record. A handle with no stored
// state is a no-op.
func (s *FileStore) ClearActivation(h Handle) error {
	_, trial, err := s.Load(h)
	if err != nil && !errors.Is(err, licerrors.ErrStoreTampered) {
		return err
	}
	return s.write(h, nil, trial)
}

// write marshals, signs and atomically replaces the state file. The file
// and its directory are synced so the update survives a crash after return.
func (s *FileStore) write(h Handle, activation *ActivationRecord, trial *TrialRecord) error {
	state := stateFile{
		Activation: activation,
		Trial:      trial,
		Signature:  s.sign(activation, trial),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state file: %w", err)
	}

	target := s.path(h)
	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return syncDir(s.dir)
}

// sign computes the integrity signature over the canonical JSON of both
// records.
func (s *FileStore) sign(activation *ActivationRecord, trial *TrialRecord) string {
	payload := struct {
		Activation *ActivationRecord `json:"activation,omitempty"`
		Trial      *TrialRecord      `json:"trial,omitempty"`
	}{activation, trial}
	data, _ := json.Marshal(payload)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open state directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync state directory: %w", err)
	}
	return nil
}
