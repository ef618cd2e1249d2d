package envelope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/k1networth/signdesk-lite/internal/audit"
	"github.com/k1networth/signdesk-lite/internal/envelope"
)

type failingTrail struct{ err error }

func (f failingTrail) Append(ctx context.Context, _ ...audit.Event) error {
	_ = ctx
	return f.err
}

func TestCreateFailureLeavesNoIndexEntries(t *testing.T) {
	store := envelope.NewInMemoryStore(failingTrail{err: errors.New("trail unavailable")})

	env, err := envelope.New(envelope.CreateRequest{
		Title:        "NDA",
		SourceDocKey: "sha256:abc",
		Signers: []envelope.SignerInput{
			{Email: "alice@example.com", Name: "Alice"},
		},
	}, owner, rosterNow)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}

	if _, err := store.Create(context.Background(), env, envelope.Change{}); err == nil {
		t.Fatalf("expected create to fail when the audit append fails")
	}
	if _, err := store.Get(context.Background(), env.ID); !errors.Is(err, envelope.ErrNotFound) {
		t.Fatalf("expected %v looking up the id, got %v", envelope.ErrNotFound, err)
	}
	for _, sg := range env.Signers {
		if _, err := store.GetByToken(context.Background(), sg.Token); !errors.Is(err, envelope.ErrNotFound) {
			t.Fatalf("expected %v looking up the token for %s, got %v", envelope.ErrNotFound, sg.Email, err)
		}
	}
}
