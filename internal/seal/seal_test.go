package seal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/k1networth/signdesk-lite/internal/blob"
	"github.com/k1networth/signdesk-lite/internal/envelope"
	"github.com/k1networth/signdesk-lite/internal/seal"
)

func signedEnvelope(t *testing.T, blobs blob.Store) envelope.Envelope {
	t.Helper()

	key, err := blobs.Put(context.Background(), []byte("source document"), "application/pdf")
	if err != nil {
		t.Fatalf("store source: %v", err)
	}

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC)

	return envelope.Envelope{
		ID:           "env-1",
		Title:        "Test agreement",
		SourceDocKey: key,
		Status:       envelope.StatusSent,
		Signers: []envelope.Signer{
			{Email: "alice@example.com", Name: "Alice", Status: envelope.SignerSigned, SignedAt: &t1},
			{Email: "bob@example.com", Name: "Bob", Status: envelope.SignerSigned, SignedAt: &t2},
		},
		Fields: []envelope.SignatureField{
			{ID: "f-1", Page: 1, Type: envelope.FieldSignature, AssigneeEmail: "alice@example.com", Value: "Alice", SignedAt: &t1},
			{ID: "f-2", Page: 2, Type: envelope.FieldSignature, AssigneeEmail: "bob@example.com", Value: "Bob", SignedAt: &t2},
		},
	}
}

func TestSealIsDeterministic(t *testing.T) {
	blobs := blob.NewMemoryStore()
	sealer := seal.NewManifestSealer(blobs)
	env := signedEnvelope(t, blobs)

	key1, err := sealer.Seal(context.Background(), env)
	if err != nil {
		t.Fatalf("first seal: %v", err)
	}
	key2, err := sealer.Seal(context.Background(), env)
	if err != nil {
		t.Fatalf("second seal: %v", err)
	}

	// Retries must land on the same content key, or the commit CAS would
	// never observe convergent runs.
	if key1 != key2 {
		t.Fatalf("expected identical keys, got %q and %q", key1, key2)
	}
}

func TestSealedArtifactCarriesManifest(t *testing.T) {
	blobs := blob.NewMemoryStore()
	sealer := seal.NewManifestSealer(blobs)
	env := signedEnvelope(t, blobs)

	key, err := sealer.Seal(context.Background(), env)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	data, _, err := blobs.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get sealed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("source document\n")) {
		t.Fatalf("expected artifact to start with the source bytes")
	}

	var m seal.Manifest
	if err := json.Unmarshal(data[len("source document\n"):], &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}

	if m.EnvelopeID != "env-1" {
		t.Fatalf("expected envelope id in manifest, got %q", m.EnvelopeID)
	}
	if len(m.Signatures) != 2 {
		t.Fatalf("expected 2 signatures, got %d", len(m.Signatures))
	}
	// SealedAt is the last signature timestamp, not the wall clock.
	if want := time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC); !m.SealedAt.Equal(want) {
		t.Fatalf("expected sealed_at %v, got %v", want, m.SealedAt)
	}
}

func TestSealMissingSourceIsStorageFailure(t *testing.T) {
	blobs := blob.NewMemoryStore()
	sealer := seal.NewManifestSealer(blobs)

	env := signedEnvelope(t, blobs)
	env.SourceDocKey = "sha256:gone"

	_, err := sealer.Seal(context.Background(), env)
	if !errors.Is(err, envelope.ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
}

func TestSealUnknownAssigneeIsRenderFailure(t *testing.T) {
	blobs := blob.NewMemoryStore()
	sealer := seal.NewManifestSealer(blobs)

	env := signedEnvelope(t, blobs)
	env.Fields[0].AssigneeEmail = "ghost@example.com"

	_, err := sealer.Seal(context.Background(), env)
	if !errors.Is(err, envelope.ErrRenderFailure) {
		t.Fatalf("expected ErrRenderFailure, got %v", err)
	}
}
