package vigil

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// checkpointNonceSize is the nonce size for AES-GCM.
	checkpointNonceSize = 12
	// checkpointSaltSize is the salt size for key derivation.
	checkpointSaltSize = 32
	// checkpointKeySize is the AES-256 key size.
	checkpointKeySize = 32
	// checkpointKDFIterations is the PBKDF2 iteration count.
	checkpointKDFIterations = 100_000
)

// Checkpoint framing flags.
const (
	checkpointFlagCompressed byte = 1 << 0
	checkpointFlagSealed     byte = 1 << 1
)

// Checkpointer serializes model states to a Store blob and restores them on
// startup. Snapshots are JSON, optionally snappy-compressed, and optionally
// sealed with AES-GCM using a PBKDF2-derived key.
//
// Framing: one flags byte, then (when sealed) a 32-byte salt and a 12-byte
// nonce, then the payload.
type Checkpointer struct {
	store  Store
	config CheckpointConfig
}

// NewCheckpointer creates a checkpointer over the given store.
func NewCheckpointer(store Store, config CheckpointConfig) *Checkpointer {
	return &Checkpointer{store: store, config: config}
}

// Save snapshots all model states into the store.
func (c *Checkpointer) Save(ctx context.Context, models map[string]*StatisticalModel) error {
	states := make(map[string]ModelState, len(models))
	for name, m := range models {
		states[name] = m.ExportState()
	}

	payload, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	flags := byte(0)
	if c.config.Compress {
		payload = snappy.Encode(nil, payload)
		flags |= checkpointFlagCompressed
	}

	if c.config.Passphrase != "" {
		sealed, err := sealCheckpoint(payload, c.config.Passphrase)
		if err != nil {
			return fmt.Errorf("seal checkpoint: %w", err)
		}
		payload = sealed
		flags |= checkpointFlagSealed
	}

	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, flags)
	framed = append(framed, payload...)

	return c.store.PutState(ctx, stateKeyModels, framed)
}

// Load restores model states from the store into the matching models.
// Models without a stored state are untouched; stored states without a
// matching model are ignored. A missing checkpoint returns ErrNoCheckpoint
// so callers can start cold.
func (c *Checkpointer) Load(ctx context.Context, models map[string]*StatisticalModel) error {
	framed, err := c.store.GetState(ctx, stateKeyModels)
	if errors.Is(err, ErrKeyNotFound) {
		return ErrNoCheckpoint
	}
	if err != nil {
		return err
	}
	if len(framed) < 1 {
		return ErrCheckpointCorrupt
	}

	flags, payload := framed[0], framed[1:]

	if flags&checkpointFlagSealed != 0 {
		if c.config.Passphrase == "" {
			return fmt.Errorf("%w: checkpoint is sealed and no passphrase configured", ErrCheckpointCorrupt)
		}
		payload, err = unsealCheckpoint(payload, c.config.Passphrase)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
		}
	}
	if flags&checkpointFlagCompressed != 0 {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
		}
	}

	var states map[string]ModelState
	if err := json.Unmarshal(payload, &states); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}

	for name, state := range states {
		if m, ok := models[name]; ok {
			m.ImportState(state)
		}
	}
	return nil
}

// sealCheckpoint encrypts a payload with AES-GCM under a key derived from
// the passphrase. Output: salt | nonce | ciphertext.
func sealCheckpoint(payload []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, checkpointSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := checkpointAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, checkpointNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, checkpointSaltSize+checkpointNonceSize+len(payload)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, payload, nil), nil
}

// unsealCheckpoint reverses sealCheckpoint.
func unsealCheckpoint(data []byte, passphrase string) ([]byte, error) {
	if len(data) < checkpointSaltSize+checkpointNonceSize {
		return nil, errors.New("sealed checkpoint too short")
	}
	salt := data[:checkpointSaltSize]
	nonce := data[checkpointSaltSize : checkpointSaltSize+checkpointNonceSize]
	ciphertext := data[checkpointSaltSize+checkpointNonceSize:]

	gcm, err := checkpointAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func checkpointAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, checkpointKDFIterations, checkpointKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
