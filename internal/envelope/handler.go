package envelope

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/k1networth/signdesk-lite/internal/audit"
	"github.com/k1networth/signdesk-lite/internal/blob"
)

// Handler is the HTTP surface of the envelope service. Authentication is an
// external collaborator: the gateway in front of this service resolves the
// user and forwards identity headers; signer routes authenticate by token.
type Handler struct {
	Log   *slog.Logger
	Svc   *Service
	Audit audit.Log
	Blobs blob.Store
}

const maxBodyBytes = 4 << 20

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /documents", h.UploadDocument)
	mux.HandleFunc("GET /documents/{key}", h.GetDocument)

	mux.HandleFunc("POST /envelopes", h.Create)
	mux.HandleFunc("GET /envelopes", h.List)
	mux.HandleFunc("GET /envelopes/{id}", h.Fetch)
	mux.HandleFunc("POST /envelopes/{id}/send", h.Send)
	mux.HandleFunc("POST /envelopes/{id}/remind", h.Remind)
	mux.HandleFunc("POST /envelopes/{id}/void", h.Void)
	mux.HandleFunc("POST /envelopes/{id}/seal", h.Seal)
	mux.HandleFunc("GET /envelopes/{id}/document", h.SourceDocument)
	mux.HandleFunc("GET /envelopes/{id}/document/sealed", h.SealedDocument)

	mux.HandleFunc("GET /sign/{token}", h.SignSession)
	mux.HandleFunc("POST /sign/{token}/submit", h.SubmitSignature)
	mux.HandleFunc("POST /sign/{token}/decline", h.DeclineSignature)
}

func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "could not read body")
		return
	}
	if len(data) == 0 {
		WriteError(w, http.StatusBadRequest, CodeValidation, "empty document")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key, err := h.Blobs.Put(r.Context(), data, contentType)
	if err != nil {
		h.Log.Error("document_store_failed", slog.String("err", err.Error()))
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	h.serveBlob(w, r, r.PathValue("key"))
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	env, err := h.Svc.Create(r.Context(), req, actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.envelopeView(env))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	f := ListFilter{
		OwnerID: actor.UserID,
		Status:  r.URL.Query().Get("status"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}

	envs, total, err := h.Svc.Store.List(r.Context(), f)
	if err != nil {
		h.Log.Error("envelope_list_failed", slog.String("err", err.Error()))
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	items := make([]map[string]any, 0, len(envs))
	for _, env := range envs {
		items = append(items, h.envelopeView(env))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"envelopes": items,
		"pagination": map[string]any{
			"total":    total,
			"limit":    f.Limit,
			"offset":   f.Offset,
			"has_more": f.Offset+len(envs) < total,
		},
	})
}

func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	env, ok := h.ownedEnvelope(w, r, actor)
	if !ok {
		return
	}

	trail, err := h.Audit.Read(r.Context(), env.ID)
	if err != nil {
		h.Log.Error("audit_read_failed", slog.String("envelope_id", env.ID), slog.String("err", err.Error()))
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	view := h.envelopeView(env)
	view["audit"] = trail
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	env, err := h.Svc.Send(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.envelopeView(env))
}

func (h *Handler) Remind(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		SignerEmail string `json:"signer_email"`
	}
	if r.ContentLength != 0 && !h.decodeJSON(w, r, &req) {
		return
	}

	env, err := h.Svc.Remind(r.Context(), r.PathValue("id"), req.SignerEmail, actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.envelopeView(env))
}

func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !h.decodeJSON(w, r, &req) {
		return
	}

	env, err := h.Svc.Void(r.Context(), r.PathValue("id"), req.Reason, actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.envelopeView(env))
}

func (h *Handler) Seal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	env, err := h.Svc.SealRetry(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.envelopeView(env))
}

func (h *Handler) SourceDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	env, ok := h.ownedEnvelope(w, r, actor)
	if !ok {
		return
	}
	h.serveBlob(w, r, env.SourceDocKey)
}

func (h *Handler) SealedDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	env, ok := h.ownedEnvelope(w, r, actor)
	if !ok {
		return
	}
	if env.SealedDocKey == "" {
		WriteError(w, http.StatusNotFound, "not_found", "envelope has no sealed document yet")
		return
	}
	h.serveBlob(w, r, env.SealedDocKey)
}

// SignSession loads the public signing view for a token and records the
// view in the audit trail.
func (h *Handler) SignSession(w http.ResponseWriter, r *http.Request) {
	env, sg, ok := h.resolveToken(w, r)
	if !ok {
		return
	}

	if sg.Status == SignerSigned {
		writeJSON(w, http.StatusOK, map[string]any{
			"already_signed": true,
			"signed_at":      sg.SignedAt,
		})
		return
	}

	switch env.Status {
	case StatusVoided, StatusDeclined, StatusExpired:
		WriteError(w, http.StatusGone, CodeEnvelopeNotActive, "this envelope is no longer active")
		return
	case StatusCompleted:
		WriteError(w, http.StatusGone, CodeEnvelopeNotActive, "this envelope is already completed")
		return
	}

	actor := Actor{Email: sg.Email, IP: clientIP(r), UserAgent: r.UserAgent()}
	if _, err := h.Svc.RecordView(r.Context(), env.ID, sg.Email, actor); err != nil {
		h.Log.Error("record_view_failed", slog.String("envelope_id", env.ID), slog.String("err", err.Error()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"envelope": map[string]any{
			"id":             env.ID,
			"title":          env.Title,
			"message":        env.Message,
			"status":         env.Status,
			"source_doc_key": env.SourceDocKey,
			"expires_at":     env.ExpiresAt,
		},
		"signer": map[string]any{
			"name":     sg.Name,
			"email":    sg.Email,
			"role":     sg.Role,
			"eligible": env.Eligible(sg),
		},
		"signature_fields": env.FieldsForSigner(sg.Email),
	})
}

func (h *Handler) SubmitSignature(w http.ResponseWriter, r *http.Request) {
	env, sg, ok := h.resolveToken(w, r)
	if !ok {
		return
	}

	var req struct {
		Signatures []SignatureValue `json:"signatures"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Signatures) == 0 {
		WriteError(w, http.StatusBadRequest, CodeValidation, "signatures are required")
		return
	}

	actor := Actor{Email: sg.Email, IP: clientIP(r), UserAgent: r.UserAgent()}
	updated, err := h.Svc.Sign(r.Context(), env.ID, sg.Email, req.Signatures, actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"envelope": map[string]any{
			"id":             updated.ID,
			"status":         updated.Status,
			"completed_at":   updated.CompletedAt,
			"sealed_doc_key": updated.SealedDocKey,
		},
		"all_signed": updated.AllSigned(),
		"stats":      ComputeStats(updated),
	})
}

func (h *Handler) DeclineSignature(w http.ResponseWriter, r *http.Request) {
	env, sg, ok := h.resolveToken(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !h.decodeJSON(w, r, &req) {
		return
	}

	actor := Actor{Email: sg.Email, IP: clientIP(r), UserAgent: r.UserAgent()}
	updated, err := h.Svc.Decline(r.Context(), env.ID, sg.Email, req.Reason, actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"envelope": map[string]any{
			"id":     updated.ID,
			"status": updated.Status,
		},
	})
}

// --- helpers ---

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return Actor{}, false
	}
	return Actor{
		UserID:    userID,
		Email:     strings.TrimSpace(r.Header.Get("X-User-Email")),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}, true
}

func (h *Handler) ownedEnvelope(w http.ResponseWriter, r *http.Request, actor Actor) (Envelope, bool) {
	env, err := h.Svc.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			WriteError(w, http.StatusNotFound, "not_found", "envelope not found")
		} else {
			h.Log.Error("envelope_get_failed", slog.String("err", err.Error()))
			WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		}
		return Envelope{}, false
	}
	if env.OwnerID != actor.UserID {
		WriteError(w, http.StatusNotFound, "not_found", "envelope not found")
		return Envelope{}, false
	}
	return env, true
}

func (h *Handler) resolveToken(w http.ResponseWriter, r *http.Request) (Envelope, *Signer, bool) {
	token := r.PathValue("token")

	env, err := h.Svc.Store.GetByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			WriteError(w, http.StatusNotFound, "not_found", "signing link not found")
		} else {
			h.Log.Error("token_lookup_failed", slog.String("err", err.Error()))
			WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		}
		return Envelope{}, nil, false
	}

	sg := env.SignerByToken(token)
	if sg == nil {
		WriteError(w, http.StatusNotFound, "not_found", "signing link not found")
		return Envelope{}, nil, false
	}
	if h.Svc.now().After(sg.TokenExpires) {
		WriteError(w, http.StatusGone, "token_expired", "this signing link has expired")
		return Envelope{}, nil, false
	}
	return env, sg, true
}

func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request, key string) {
	data, contentType, err := h.Blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		h.Log.Error("document_get_failed", slog.String("key", key), slog.String("err", err.Error()))
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+key+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "empty body"
		}
		WriteError(w, http.StatusBadRequest, CodeValidation, msg)
		return false
	}
	if dec.More() {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return false
	}
	return true
}

func (h *Handler) envelopeView(env Envelope) map[string]any {
	return map[string]any{
		"envelope": env,
		"stats":    ComputeStats(env),
	}
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Real-Ip"); v != "" {
		return v
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
