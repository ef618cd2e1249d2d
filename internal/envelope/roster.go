package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newSignerToken returns the opaque credential embedded in a signing link.
func newSignerToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b[:])
}

// CreateRequest is the payload for creating an envelope. All structural
// validation happens here, before anything is persisted.
type CreateRequest struct {
	Title         string        `json:"title"`
	Message       string        `json:"message"`
	SigningMode   string        `json:"signing_mode"`
	SourceDocKey  string        `json:"source_doc_key"`
	ExpiresInDays int           `json:"expires_in_days"`
	Signers       []SignerInput `json:"signers"`
	Fields        []FieldInput  `json:"signature_fields"`
}

type SignerInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Order int    `json:"order"`
}

type FieldInput struct {
	Page          int     `json:"page"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	W             float64 `json:"w"`
	H             float64 `json:"h"`
	Type          string  `json:"type"`
	AssigneeEmail string  `json:"assignee_email"`
}

func (r CreateRequest) Validate() error {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return &Error{Code: CodeValidation, Message: "title is required"}
	}
	if len(title) > 200 {
		return &Error{Code: CodeValidation, Message: "title must be at most 200 characters"}
	}
	if strings.TrimSpace(r.SourceDocKey) == "" {
		return &Error{Code: CodeValidation, Message: "source_doc_key is required"}
	}
	switch r.SigningMode {
	case "", ModeSequential, ModeParallel, ModeSingle:
	default:
		return &Error{Code: CodeValidation, Message: "signing_mode must be SEQUENTIAL, PARALLEL or SINGLE"}
	}
	if r.SigningMode == ModeSingle && len(r.Signers) > 1 {
		return &Error{Code: CodeValidation, Message: "SINGLE mode allows exactly one signer"}
	}
	if r.ExpiresInDays < 0 {
		return &Error{Code: CodeValidation, Message: "expires_in_days must not be negative"}
	}
	for _, f := range r.Fields {
		if f.Page < 1 {
			return &Error{Code: CodeValidation, Message: "field page must be >= 1"}
		}
		if f.X < 0 || f.X > 1 || f.Y < 0 || f.Y > 1 || f.W <= 0 || f.W > 1 || f.H <= 0 || f.H > 1 {
			return &Error{Code: CodeValidation, Message: "field position and size must be fractions of the page"}
		}
		switch f.Type {
		case "", FieldSignature, FieldInitial, FieldDate, FieldText:
		default:
			return &Error{Code: CodeValidation, Message: "unknown field type " + f.Type}
		}
	}
	return nil
}

// AddSigner appends a signer to the roster. Emails are unique within the
// envelope, case-insensitive. When order is zero the next free order value
// in the signer's role sequence is assigned.
func (e *Envelope) AddSigner(email, name, role string, order int) error {
	email = NormalizeEmail(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		// Rejects name-addr forms like "Bob <bob@example.com>"; the roster
		// stores bare addresses only.
		return errInvalidEmail(email)
	}
	if e.SignerByEmail(email) != nil {
		return errDuplicateSigner(email)
	}

	switch role {
	case RoleSender, RoleRecipient:
	case "":
		role = RoleRecipient
	default:
		return &Error{Code: CodeValidation, Message: "role must be sender or recipient"}
	}

	if order <= 0 {
		order = e.nextOrder(role)
	} else if e.SigningMode == ModeSequential {
		for _, s := range e.Signers {
			if s.Order == order && s.Role != role {
				return &Error{Code: CodeValidation, Message: "order value already taken by another role group"}
			}
		}
	}

	e.Signers = append(e.Signers, Signer{
		Email:        email,
		Name:         strings.TrimSpace(name),
		Role:         role,
		Order:        order,
		Status:       SignerPending,
		Token:        newSignerToken(),
		TokenExpires: e.ExpiresAt,
	})
	return nil
}

func (e *Envelope) nextOrder(role string) int {
	max := 0
	for _, s := range e.Signers {
		if s.Role == role && s.Order > max {
			max = s.Order
		}
	}
	return max + 1
}

// AssignField places a field and binds it to an existing signer.
func (e *Envelope) AssignField(in FieldInput) error {
	email := NormalizeEmail(in.AssigneeEmail)
	if e.SignerByEmail(email) == nil {
		return errUnknownSigner(email)
	}
	typ := in.Type
	if typ == "" {
		typ = FieldSignature
	}
	e.Fields = append(e.Fields, SignatureField{
		ID:            uuid.NewString(),
		Page:          in.Page,
		X:             in.X,
		Y:             in.Y,
		W:             in.W,
		H:             in.H,
		Type:          typ,
		AssigneeEmail: email,
	})
	return nil
}

// ValidateReadyToSend is the gate before DRAFT -> SENT. Every signer must
// own at least one field, otherwise they could never satisfy their turn.
func (e *Envelope) ValidateReadyToSend() error {
	if len(e.Signers) == 0 {
		return errNoSigners()
	}

	var missing []string
	for _, s := range e.Signers {
		if len(e.FieldsForSigner(s.Email)) == 0 {
			missing = append(missing, s.Name)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{SignerNames: missing}
	}
	return nil
}

// New builds a DRAFT envelope from a validated request. The roster and
// fields are checked here so an invalid envelope is never stored.
func New(req CreateRequest, owner Actor, now time.Time) (Envelope, error) {
	if err := req.Validate(); err != nil {
		return Envelope{}, err
	}

	mode := req.SigningMode
	if mode == "" {
		mode = ModeSequential
	}
	days := req.ExpiresInDays
	if days == 0 {
		days = 14
	}

	env := Envelope{
		ID:           uuid.NewString(),
		OwnerID:      owner.UserID,
		Title:        strings.TrimSpace(req.Title),
		Message:      strings.TrimSpace(req.Message),
		SigningMode:  mode,
		Status:       StatusDraft,
		SourceDocKey: req.SourceDocKey,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.AddDate(0, 0, days),
	}

	for _, s := range req.Signers {
		if err := env.AddSigner(s.Email, s.Name, s.Role, s.Order); err != nil {
			return Envelope{}, err
		}
	}
	for _, f := range req.Fields {
		if err := env.AssignField(f); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}
