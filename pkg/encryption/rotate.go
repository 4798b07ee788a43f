package encryption

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/warden/pkg/keystore"
)

const (
	// rotationContext holds the staged master key while a rotation is in
	// flight. The record is sealed under the outgoing master key.
	rotationContext = "_rotation"
	pendingKeyName  = "pending_master"
)

// RotateEncryptionKeys replaces the master key and re-encrypts every record
// under keys derived from the new one. Records are re-sealed in memory and
// written with one atomic PutAll together with the new key, staged under the
// old one. The key slot is updated last. A restart between the two writes is
// recovered by Init, which promotes the staged key. If persisting the key
// fails, the original records are written back and the old key stays active.
func (m *Manager) RotateEncryptionKeys(ctx context.Context) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master == nil {
		return ErrNotInitialized
	}

	newMaster, err := m.generateKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}
	newDerived := make(map[string][]byte)
	defer func() {
		if err != nil {
			SecureMemoryClear(newMaster)
			for _, key := range newDerived {
				SecureMemoryClear(key)
			}
		}
	}()

	originals, err := m.records.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: list records: %v", ErrRotationFailed, err)
	}

	resealed := make([]keystore.Record, 0, len(originals))
	for _, rec := range originals {
		if rec.Context == rotationContext {
			continue
		}
		if m.beforeReseal != nil {
			if hookErr := m.beforeReseal(rec); hookErr != nil {
				return fmt.Errorf("%w: %v", ErrRotationFailed, hookErr)
			}
		}
		aad := recordAAD(rec.Context, rec.Key)
		plaintext, openErr := open(m.storageKey(rec.Context), rec.Ciphertext, aad)
		if openErr != nil {
			return fmt.Errorf("%w: open %s/%s: %v", ErrRotationFailed, rec.Context, rec.Key, openErr)
		}

		key, ok := newDerived[rec.Context]
		if !ok {
			key = deriveStorageKey(newMaster, rec.Context)
			newDerived[rec.Context] = key
		}
		sealed, sealErr := m.seal(key, plaintext, aad)
		SecureMemoryClear(plaintext)
		if sealErr != nil {
			return fmt.Errorf("%w: reseal %s/%s: %v", ErrRotationFailed, rec.Context, rec.Key, sealErr)
		}
		resealed = append(resealed, keystore.Record{Context: rec.Context, Key: rec.Key, Ciphertext: sealed})
	}

	pending, err := m.seal(m.storageKey(rotationContext), newMaster, recordAAD(rotationContext, pendingKeyName))
	if err != nil {
		return fmt.Errorf("%w: stage key: %v", ErrRotationFailed, err)
	}
	batch := append(resealed, keystore.Record{Context: rotationContext, Key: pendingKeyName, Ciphertext: pending})

	if err = m.records.PutAll(ctx, batch); err != nil {
		return fmt.Errorf("%w: write records: %v", ErrRotationFailed, err)
	}

	if storeErr := m.keys.Store(newMaster); storeErr != nil {
		err = fmt.Errorf("%w: persist master key: %v", ErrRotationFailed, storeErr)
		restore, sealErr := m.abortedMarker(originals)
		if sealErr != nil {
			return errors.Join(err, sealErr)
		}
		if restoreErr := m.records.PutAll(ctx, restore); restoreErr != nil {
			m.log.Error().Err(restoreErr).Msg("Failed restoring records after aborted rotation")
			return errors.Join(err, fmt.Errorf("restore records: %w", restoreErr))
		}
		m.dropPending(ctx)
		return err
	}

	SecureMemoryClear(m.master)
	m.clearDerived()
	m.master = newMaster
	m.derivedMu.Lock()
	for scope, key := range newDerived {
		m.derived[scope] = key
	}
	m.derivedMu.Unlock()
	m.dropPending(ctx)

	m.log.Info().Int("records", len(resealed)).Msg("Rotated master key")
	return nil
}

// abortedMarker returns originals plus an empty staged-key record, so the
// restore and the withdrawal of the staged key land in one write.
func (m *Manager) abortedMarker(originals []keystore.Record) ([]keystore.Record, error) {
	marker, err := m.seal(m.storageKey(rotationContext), nil, recordAAD(rotationContext, pendingKeyName))
	if err != nil {
		return nil, fmt.Errorf("seal rotation marker: %w", err)
	}
	out := make([]keystore.Record, 0, len(originals)+1)
	for _, rec := range originals {
		if rec.Context != rotationContext {
			out = append(out, rec)
		}
	}
	return append(out, keystore.Record{Context: rotationContext, Key: pendingKeyName, Ciphertext: marker}), nil
}

func (m *Manager) dropPending(ctx context.Context) {
	if err := m.records.Delete(ctx, rotationContext, pendingKeyName); err != nil {
		m.log.Warn().Err(err).Msg("Failed removing staged rotation key")
	}
}

// recoverRotation finishes a rotation cut short after its records were
// written. A staged key that opens under the loaded master key means the key
// slot was never updated, so the staged key is promoted. Callers hold mu.
func (m *Manager) recoverRotation(ctx context.Context) error {
	rec, err := m.records.Get(ctx, rotationContext, pendingKeyName)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read staged rotation key: %v", ErrKeyStore, err)
	}

	staged, err := open(m.storageKey(rotationContext), rec.Ciphertext, recordAAD(rotationContext, pendingKeyName))
	switch {
	case err != nil:
		// Sealed under an older key: the rotation completed.
		m.dropPending(ctx)
		return nil
	case len(staged) != KeySize:
		// Aborted rotation whose records were restored.
		SecureMemoryClear(staged)
		m.dropPending(ctx)
		return nil
	}

	if err := m.keys.Store(staged); err != nil {
		SecureMemoryClear(staged)
		return fmt.Errorf("%w: promote staged master key: %v", ErrKeyStore, err)
	}
	SecureMemoryClear(m.master)
	m.clearDerived()
	m.master = staged
	m.dropPending(ctx)
	m.log.Warn().Msg("Completed interrupted key rotation")
	return nil
}
