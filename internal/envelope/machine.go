package envelope

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/k1networth/signdesk-lite/internal/audit"
	"github.com/k1networth/signdesk-lite/internal/shared/events"
	"github.com/k1networth/signdesk-lite/internal/shared/requestid"
)

// Sealer produces the immutable sealed artifact for a fully signed
// envelope and returns its content key. Implementations wrap failures in
// ErrRenderFailure or ErrStorageFailure.
type Sealer interface {
	Seal(ctx context.Context, env Envelope) (string, error)
}

// SignatureValue carries one captured field value during signing.
type SignatureValue struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// Service drives the envelope lifecycle. Every mutating operation runs its
// checks and writes inside the store's per-envelope atomic scope; only the
// sealing render runs outside it, with a compare-and-set commit.
type Service struct {
	Log     *slog.Logger
	Store   Store
	Sealer  Sealer
	Metrics *Metrics

	// DefaultExpiryDays applies when a create request leaves
	// expires_in_days unset. Zero falls back to the built-in default.
	DefaultExpiryDays int

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create validates the roster and fields and persists a DRAFT envelope.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor Actor) (Envelope, error) {
	now := s.now()
	if req.ExpiresInDays == 0 && s.DefaultExpiryDays > 0 {
		req.ExpiresInDays = s.DefaultExpiryDays
	}
	env, err := New(req, actor, now)
	if err != nil {
		return Envelope{}, err
	}

	created, err := s.Store.Create(ctx, env, Change{
		Audit: []audit.Event{auditEvent(env.ID, audit.KindCreated, now, actor, map[string]any{
			"signers_count": len(env.Signers),
			"fields_count":  len(env.Fields),
			"signing_mode":  env.SigningMode,
		})},
	})
	if err != nil {
		return Envelope{}, err
	}
	s.Metrics.created()
	s.Log.Info("envelope_created",
		slog.String("envelope_id", created.ID),
		slog.Int("signers", len(created.Signers)),
		slog.String("mode", created.SigningMode),
	)
	return created, nil
}

// Send gates DRAFT -> SENT behind ValidateReadyToSend and emits one
// invitation intent per first-eligible signer.
func (s *Service) Send(ctx context.Context, id string, actor Actor) (Envelope, error) {
	now := s.now()

	env, err := s.Store.Update(ctx, id, func(env *Envelope) (*Change, error) {
		if env.OwnerID != actor.UserID {
			return nil, ErrNotOwner
		}
		if env.Status != StatusDraft {
			return nil, errInvalidTransition(env.Status, "send")
		}
		if err := env.ValidateReadyToSend(); err != nil {
			return nil, err
		}

		env.Status = StatusSent
		sent := now
		env.SentAt = &sent
		env.UpdatedAt = now

		change := &Change{
			Audit: []audit.Event{auditEvent(env.ID, audit.KindSent, now, actor, map[string]any{
				"signers_count": len(env.Signers),
			})},
		}
		for _, sg := range env.EligibleSigners() {
			change.Events = append(change.Events, s.signerMessage(ctx, events.TypeSignerInvited, env, sg, now))
		}
		return change, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	s.Metrics.sent()
	s.Log.Info("envelope_sent", slog.String("envelope_id", id))
	return env, nil
}

// RecordView notes that a signer opened the envelope. Informational only:
// no status change, no-op once the envelope is terminal.
func (s *Service) RecordView(ctx context.Context, id, signerEmail string, actor Actor) (Envelope, error) {
	now := s.now()

	return s.Store.Update(ctx, id, func(env *Envelope) (*Change, error) {
		sg := env.SignerByEmail(signerEmail)
		if sg == nil {
			return nil, errUnknownSigner(signerEmail)
		}
		if env.Terminal() {
			return nil, nil
		}
		return &Change{
			Audit: []audit.Event{auditEvent(env.ID, audit.KindViewed, now, actor, nil)},
		}, nil
	})
}

// Sign records a signer's attestation. When the last required signer
// completes, the sealing pipeline runs after the signature is durably
// committed; a sealing failure never rolls the human action back.
func (s *Service) Sign(ctx context.Context, id, signerEmail string, sigs []SignatureValue, actor Actor) (Envelope, error) {
	now := s.now()
	var completedRoster bool

	env, err := s.Store.Update(ctx, id, func(env *Envelope) (*Change, error) {
		if env.Status != StatusSent {
			return nil, errEnvelopeNotActive(env.Status)
		}
		sg := env.SignerByEmail(signerEmail)
		if sg == nil {
			return nil, errUnknownSigner(signerEmail)
		}
		if sg.Status != SignerPending {
			return nil, errSignerNotPending(sg.Email)
		}
		if env.SigningMode == ModeSequential && sg.Order != env.CurrentOrder() {
			return nil, errNotCurrentSigner(sg.Email)
		}

		applied := 0
		for i := range env.Fields {
			f := &env.Fields[i]
			if f.AssigneeEmail != sg.Email {
				continue
			}
			for _, sv := range sigs {
				if sv.FieldID == f.ID {
					f.Value = sv.Value
					t := now
					f.SignedAt = &t
					applied++
				}
			}
		}
		if applied == 0 {
			return nil, &Error{Code: CodeValidation, Message: "no signature values matched the signer's fields"}
		}

		prevOrder := env.CurrentOrder()

		sg.Status = SignerSigned
		signed := now
		sg.SignedAt = &signed
		sg.IP = actor.IP
		sg.UserAgent = actor.UserAgent
		env.UpdatedAt = now

		signedCount := 0
		for _, x := range env.Signers {
			if x.Status == SignerSigned {
				signedCount++
			}
		}

		change := &Change{
			Audit: []audit.Event{auditEvent(env.ID, audit.KindSigned, now, actor, map[string]any{
				"signed_count":  signedCount,
				"total_count":   len(env.Signers),
				"fields_signed": applied,
			})},
		}

		if env.AllSigned() {
			completedRoster = true
		} else if env.SigningMode == ModeSequential {
			// Invite the next order group once the current one is done.
			if cur := env.CurrentOrder(); cur != prevOrder && cur > 0 {
				for _, next := range env.EligibleSigners() {
					change.Events = append(change.Events, s.signerMessage(ctx, events.TypeSignerInvited, env, next, now))
				}
			}
		}
		return change, nil
	})
	if err != nil {
		s.Metrics.signature("rejected")
		return Envelope{}, err
	}
	s.Metrics.signature("ok")
	s.Log.Info("signer_signed",
		slog.String("envelope_id", id),
		slog.String("signer", NormalizeEmail(signerEmail)),
	)

	if completedRoster {
		return s.seal(ctx, env, actor)
	}
	return env, nil
}

// Decline halts the envelope. Any pending signer may refuse, regardless of
// turn order: one refusal makes full completion impossible anyway.
func (s *Service) Decline(ctx context.Context, id, signerEmail, reason string, actor Actor) (Envelope, error) {
	now := s.now()

	env, err := s.Store.Update(ctx, id, func(env *Envelope) (*Change, error) {
		if env.Status != StatusSent {
			return nil, errEnvelopeNotActive(env.Status)
		}
		sg := env.SignerByEmail(signerEmail)
		if sg == nil {
			return nil, errUnknownSigner(signerEmail)
		}
		if sg.Status != SignerPending {
			return nil, errSignerNotPending(sg.Email)
		}

		sg.Status = SignerDeclined
		declined := now
		sg.DeclinedAt = &declined
		sg.DeclineReason = reason
		sg.IP = actor.IP
		sg.UserAgent = actor.UserAgent

		env.Status = StatusDeclined
		env.UpdatedAt = now

		return &Change{
			Audit: []audit.Event{auditEvent(env.ID, audit.KindDeclined, now, actor, map[string]any{
				"reason": reason,
			})},
			Events: []events.Message{s.envelopeMessage(ctx, events.TypeEnvelopeDeclined, env, reason, now)},
		}, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	s.Metrics.declined()
	s.Log.Info("envelope_declined",
		slog.String("envelope_id", id),
		slog.String("signer", NormalizeEmail(signerEmail)),
	)
	return env, nil
}

// Void is the sender-side cancellation of a non-terminal envelope.
func (s *Service) Void(ctx context.Context, id, reason string, actor Actor) (Envelope, error) {
	now := s.now()

	env, err := s.Store.Update(ctx, id, func(env *Envelope) (*Change, error) {
		if env.OwnerID != actor.UserID {
			return nil, ErrNotOwner
		}
		if env.Terminal() {
			return nil, errInvalidTransition(env.Status, "void")
		}

		if reason == "" {
			reason = "voided by sender"
		}
		env.Status = StatusVoided
		voided := now
		env.VoidedAt = &voided
		env.VoidReason = reason
		env.UpdatedAt = now

		return &Change{
			Audit: []audit.Event{auditEvent(env.ID, audit.KindVoided, now, actor, map[string]any{
				"reason": reason,
			})},
			Events: []events.Message{s.envelopeMessage(ctx, events.TypeEnvelopeVoided, env, reason, now)},
		}, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	s.Metrics.voided()
	s.Log.Info("envelope_voided", slog.String("envelope_id", id))
	return env, nil
}

// Expire is the system-driven timeout. It is a silent no-op on terminal
// envelopes and on envelopes that have not reached their deadline.
func (s *Service) Expire(ctx context.Context, id string) (Envelope, error) {
	now := s.now()

	env, err := s.Store.Update(ctx, id, func(env *Envelope) (*Change, error) {
		if env.Terminal() {
			return nil, nil
		}
		if !now.After(env.ExpiresAt) {
			return nil, nil
		}

		env.Status = StatusExpired
		env.UpdatedAt = now

		return &Change{
			Audit: []audit.Event{auditEvent(env.ID, audit.KindExpired, now, Actor{}, nil)},
			Events: []events.Message{s.envelopeMessage(ctx, events.TypeEnvelopeExpired, env, "", now)},
		}, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	if env.Status == StatusExpired {
		s.Metrics.expired()
		s.Log.Info("envelope_expired", slog.String("envelope_id", id))
	}
	return env, nil
}

// Remind re-sends invitations. With an empty signerEmail every currently
// eligible pending signer is reminded; otherwise just the named one.
func (s *Service) Remind(ctx context.Context, id, signerEmail string, actor Actor) (Envelope, error) {
	now := s.now()

	return s.Store.Update(ctx, id, func(env *Envelope) (*Change, error) {
		if env.OwnerID != actor.UserID {
			return nil, ErrNotOwner
		}
		if env.Status != StatusSent {
			return nil, errInvalidTransition(env.Status, "remind")
		}

		var targets []Signer
		if signerEmail != "" {
			sg := env.SignerByEmail(signerEmail)
			if sg == nil {
				return nil, errUnknownSigner(signerEmail)
			}
			if sg.Status != SignerPending {
				return nil, errSignerNotPending(sg.Email)
			}
			targets = []Signer{*sg}
		} else {
			targets = env.EligibleSigners()
			if len(targets) == 0 {
				return nil, &Error{Code: CodeValidation, Message: "no pending signers to remind"}
			}
		}

		change := &Change{}
		for _, sg := range targets {
			change.Audit = append(change.Audit, auditEvent(env.ID, audit.KindReminderSent, now, actor, map[string]any{
				"signer_email": sg.Email,
			}))
			change.Events = append(change.Events, s.signerMessage(ctx, events.TypeSignerReminded, env, sg, now))
		}
		return change, nil
	})
}

// SealRetry re-runs the sealing pipeline for a fully signed envelope whose
// earlier run failed. Safe to call repeatedly: the commit is a CAS.
func (s *Service) SealRetry(ctx context.Context, id string, actor Actor) (Envelope, error) {
	env, err := s.Store.Get(ctx, id)
	if err != nil {
		return Envelope{}, err
	}
	if env.OwnerID != actor.UserID {
		return Envelope{}, ErrNotOwner
	}
	if env.Status != StatusSent || !env.AllSigned() {
		return Envelope{}, errInvalidTransition(env.Status, "seal")
	}
	return s.sealStrict(ctx, env, actor)
}

// seal runs the pipeline after a completing signature. Render and storage
// happen outside the envelope lock; failure leaves the envelope SENT with
// every signature intact and a seal-failure audit entry, eligible for
// retry.
func (s *Service) seal(ctx context.Context, env Envelope, actor Actor) (Envelope, error) {
	sealed, err := s.sealStrict(ctx, env, actor)
	if err != nil {
		// The signature that triggered sealing is already committed; the
		// caller still gets a successful response.
		s.Log.Error("seal_failed",
			slog.String("envelope_id", env.ID),
			slog.String("err", err.Error()),
		)
		return env, nil
	}
	return sealed, nil
}

func (s *Service) sealStrict(ctx context.Context, env Envelope, actor Actor) (Envelope, error) {
	now := s.now()

	key, err := s.Sealer.Seal(ctx, env)
	if err != nil {
		s.Metrics.sealAttempt("error")
		_, auditErr := s.Store.Update(ctx, env.ID, func(e *Envelope) (*Change, error) {
			return &Change{
				Audit: []audit.Event{auditEvent(env.ID, audit.KindSealFailed, s.now(), actor, map[string]any{
					"error": err.Error(),
				})},
			}, nil
		})
		if auditErr != nil {
			s.Log.Error("seal_failure_audit_failed",
				slog.String("envelope_id", env.ID),
				slog.String("err", auditErr.Error()),
			)
		}
		return Envelope{}, err
	}

	change := Change{
		Audit: []audit.Event{
			auditEvent(env.ID, audit.KindPDFSealed, now, actor, map[string]any{
				"sealed_doc_key": key,
			}),
			auditEvent(env.ID, audit.KindCompleted, now, actor, map[string]any{
				"signers_total": len(env.Signers),
			}),
		},
		Events: []events.Message{s.envelopeMessage(ctx, events.TypeEnvelopeCompleted, &env, "", now)},
	}

	sealed, won, err := s.Store.CommitSeal(ctx, env.ID, key, now, change)
	if err != nil {
		s.Metrics.sealAttempt("error")
		return Envelope{}, err
	}
	if !won {
		// Another run committed first, or the envelope terminated while we
		// were rendering. Either way the stored state wins.
		s.Metrics.sealAttempt("lost_cas")
		return sealed, nil
	}
	s.Metrics.sealAttempt("ok")
	s.Metrics.completed()
	s.Log.Info("envelope_completed",
		slog.String("envelope_id", env.ID),
		slog.String("sealed_doc_key", key),
	)
	return sealed, nil
}

func (s *Service) signerMessage(ctx context.Context, eventType string, env *Envelope, sg Signer, at time.Time) events.Message {
	payload, _ := json.Marshal(events.SignerPayload{
		EnvelopeID:  env.ID,
		Title:       env.Title,
		SignerEmail: sg.Email,
		SignerName:  sg.Name,
		Token:       sg.Token,
	})
	return s.message(ctx, eventType, env.ID, payload, at)
}

func (s *Service) envelopeMessage(ctx context.Context, eventType string, env *Envelope, reason string, at time.Time) events.Message {
	payload, _ := json.Marshal(events.EnvelopePayload{
		EnvelopeID: env.ID,
		Title:      env.Title,
		OwnerID:    env.OwnerID,
		Status:     env.Status,
		Reason:     reason,
	})
	return s.message(ctx, eventType, env.ID, payload, at)
}

func (s *Service) message(ctx context.Context, eventType, envelopeID string, payload []byte, at time.Time) events.Message {
	return events.Message{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		OccurredAt:  at,
		Aggregate:   events.AggregateEnvelope,
		AggregateID: envelopeID,
		RequestID:   requestid.Get(ctx),
		Payload:     payload,
	}
}

func auditEvent(envelopeID, kind string, at time.Time, actor Actor, details map[string]any) audit.Event {
	return audit.Event{
		ID:         uuid.NewString(),
		EnvelopeID: envelopeID,
		Kind:       kind,
		Timestamp:  at,
		ActorID:    actor.UserID,
		ActorEmail: actor.Email,
		ActorIP:    actor.IP,
		UserAgent:  actor.UserAgent,
		Details:    details,
	}
}
