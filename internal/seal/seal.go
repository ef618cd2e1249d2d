// Package seal produces the immutable final artifact for a fully signed
// envelope. The artifact is the source document bytes followed by a
// canonical signature manifest, stored content-addressed: its key is the
// sha256 of the sealed bytes, so any tampering with the source or the
// captured signatures yields a different key.
package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/k1networth/signdesk-lite/internal/blob"
	"github.com/k1networth/signdesk-lite/internal/envelope"
)

// Manifest is the canonical record appended to the source document. Field
// order is fixed by the struct, so equal inputs always produce equal bytes
// and therefore an equal content key: retries are naturally idempotent.
type Manifest struct {
	EnvelopeID   string              `json:"envelope_id"`
	Title        string              `json:"title"`
	SourceDocKey string              `json:"source_doc_key"`
	SealedAt     time.Time           `json:"sealed_at"`
	Signatures   []ManifestSignature `json:"signatures"`
}

type ManifestSignature struct {
	FieldID     string    `json:"field_id"`
	FieldType   string    `json:"field_type"`
	Page        int       `json:"page"`
	SignerEmail string    `json:"signer_email"`
	SignerName  string    `json:"signer_name"`
	Value       string    `json:"value"`
	SignedAt    time.Time `json:"signed_at"`
}

// ManifestSealer renders the manifest and stores the sealed artifact in the
// blob store.
type ManifestSealer struct {
	Blobs blob.Store
}

func NewManifestSealer(blobs blob.Store) *ManifestSealer {
	return &ManifestSealer{Blobs: blobs}
}

func (s *ManifestSealer) Seal(ctx context.Context, env envelope.Envelope) (string, error) {
	source, _, err := s.Blobs.Get(ctx, env.SourceDocKey)
	if err != nil {
		return "", fmt.Errorf("%w: load source %s: %v", envelope.ErrStorageFailure, env.SourceDocKey, err)
	}

	manifest, err := render(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", envelope.ErrRenderFailure, err)
	}

	sealed := make([]byte, 0, len(source)+len(manifest)+1)
	sealed = append(sealed, source...)
	sealed = append(sealed, '\n')
	sealed = append(sealed, manifest...)

	key, err := s.Blobs.Put(ctx, sealed, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("%w: store sealed artifact: %v", envelope.ErrStorageFailure, err)
	}
	return key, nil
}

func render(env envelope.Envelope) ([]byte, error) {
	m := Manifest{
		EnvelopeID:   env.ID,
		Title:        env.Title,
		SourceDocKey: env.SourceDocKey,
		Signatures:   make([]ManifestSignature, 0, len(env.Fields)),
	}

	// SealedAt is derived from the last signature, not the wall clock, so a
	// retried run renders byte-identical output.
	for _, f := range env.Fields {
		sg := env.SignerByEmail(f.AssigneeEmail)
		if sg == nil {
			return nil, fmt.Errorf("field %s assigned to unknown signer %s", f.ID, f.AssigneeEmail)
		}
		ms := ManifestSignature{
			FieldID:     f.ID,
			FieldType:   f.Type,
			Page:        f.Page,
			SignerEmail: sg.Email,
			SignerName:  sg.Name,
			Value:       f.Value,
		}
		if f.SignedAt != nil {
			ms.SignedAt = f.SignedAt.UTC()
		}
		if ms.SignedAt.After(m.SealedAt) {
			m.SealedAt = ms.SignedAt
		}
		m.Signatures = append(m.Signatures, ms)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
