package envelope

import (
	"strings"
	"time"
)

// Envelope lifecycle states. Terminal states are stable forever.
const (
	StatusDraft     = "DRAFT"
	StatusSent      = "SENT"
	StatusCompleted = "COMPLETED"
	StatusDeclined  = "DECLINED"
	StatusExpired   = "EXPIRED"
	StatusVoided    = "VOIDED"
)

// Signing modes. SEQUENTIAL enforces order groups; PARALLEL lets every
// pending signer act; SINGLE is a one-signer envelope.
const (
	ModeSequential = "SEQUENTIAL"
	ModeParallel   = "PARALLEL"
	ModeSingle     = "SINGLE"
)

// Per-signer states.
const (
	SignerPending  = "PENDING"
	SignerSigned   = "SIGNED"
	SignerDeclined = "DECLINED"
)

// Signer roles.
const (
	RoleSender    = "sender"
	RoleRecipient = "recipient"
)

// Signature field types.
const (
	FieldSignature = "signature"
	FieldInitial   = "initial"
	FieldDate      = "date"
	FieldText      = "text"
)

// Actor identifies who performed a mutating call. It is always passed in
// explicitly; the domain never reads ambient request state.
type Actor struct {
	UserID    string
	Email     string
	IP        string
	UserAgent string
}

type Signer struct {
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Order         int        `json:"order"`
	Status        string     `json:"status"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
	IP            string     `json:"ip,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`

	// Token is the opaque signing-session credential mailed to the signer.
	// It expires together with the envelope.
	Token        string    `json:"token,omitempty"`
	TokenExpires time.Time `json:"token_expires,omitempty"`
}

// SignatureField is a placed field on the source document. Position and
// size are fractions of the page, so they survive any render resolution.
type SignatureField struct {
	ID            string     `json:"id"`
	Page          int        `json:"page"`
	X             float64    `json:"x"`
	Y             float64    `json:"y"`
	W             float64    `json:"w"`
	H             float64    `json:"h"`
	Type          string     `json:"type"`
	AssigneeEmail string     `json:"assignee_email"`
	Value         string     `json:"value,omitempty"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
}

// Envelope is the aggregate: one document, its roster and fields, and the
// full lifecycle bookkeeping. It is mutated only through Service operations
// executed under the store's per-envelope mutual exclusion.
type Envelope struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Message     string `json:"message,omitempty"`
	SigningMode string `json:"signing_mode"`
	Status      string `json:"status"`

	// Content-addressed document keys (sha256 of the bytes). SealedDocKey
	// stays empty until the envelope completes.
	SourceDocKey string `json:"source_doc_key"`
	SealedDocKey string `json:"sealed_doc_key,omitempty"`

	Signers []Signer         `json:"signers"`
	Fields  []SignatureField `json:"signature_fields"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
	VoidReason  string     `json:"void_reason,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`

	Version int64 `json:"-"`
}

func (e *Envelope) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusVoided:
		return true
	}
	return false
}

func (e *Envelope) SignerByEmail(email string) *Signer {
	email = NormalizeEmail(email)
	for i := range e.Signers {
		if e.Signers[i].Email == email {
			return &e.Signers[i]
		}
	}
	return nil
}

func (e *Envelope) SignerByToken(token string) *Signer {
	for i := range e.Signers {
		if e.Signers[i].Token == token {
			return &e.Signers[i]
		}
	}
	return nil
}

func (e *Envelope) FieldsForSigner(email string) []SignatureField {
	email = NormalizeEmail(email)
	var out []SignatureField
	for _, f := range e.Fields {
		if f.AssigneeEmail == email {
			out = append(out, f)
		}
	}
	return out
}

func (e *Envelope) AllSigned() bool {
	for _, s := range e.Signers {
		if s.Status != SignerSigned {
			return false
		}
	}
	return len(e.Signers) > 0
}

// CurrentOrder returns the lowest order value that still has a PENDING
// signer, or 0 when nobody is pending. In SEQUENTIAL mode only signers at
// this order may act; the whole order group must finish before it advances.
func (e *Envelope) CurrentOrder() int {
	cur := 0
	for _, s := range e.Signers {
		if s.Status != SignerPending {
			continue
		}
		if cur == 0 || s.Order < cur {
			cur = s.Order
		}
	}
	return cur
}

// Eligible reports whether the signer may act right now given the signing
// mode and roster state.
func (e *Envelope) Eligible(s *Signer) bool {
	if s.Status != SignerPending {
		return false
	}
	if e.SigningMode == ModeSequential {
		return s.Order == e.CurrentOrder()
	}
	return true
}

// EligibleSigners returns every signer that may act right now. After send
// this is the set that receives invitations; after an order group finishes
// it is the next group.
func (e *Envelope) EligibleSigners() []Signer {
	var out []Signer
	for i := range e.Signers {
		if e.Eligible(&e.Signers[i]) {
			out = append(out, e.Signers[i])
		}
	}
	return out
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
