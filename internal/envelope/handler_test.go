package envelope_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/k1networth/signdesk-lite/internal/audit"
	"github.com/k1networth/signdesk-lite/internal/blob"
	"github.com/k1networth/signdesk-lite/internal/envelope"
	"github.com/k1networth/signdesk-lite/internal/seal"
	"github.com/k1networth/signdesk-lite/internal/shared/httpx"
)

type testServer struct {
	*httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := testLogger()
	trail := audit.NewMemoryLog()
	blobs := blob.NewMemoryStore()
	store := envelope.NewInMemoryStore(trail)

	svc := &envelope.Service{
		Log:    log,
		Store:  store,
		Sealer: seal.NewManifestSealer(blobs),
	}
	h := &envelope.Handler{Log: log, Svc: svc, Audit: trail, Blobs: blobs}

	srv := httptest.NewServer(httpx.NewRouter(log, nil, h))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv}
}

// do sends a JSON request with the given identity headers and decodes the
// response into out (when out is non-nil). It returns the status code.
func (s *testServer) do(t *testing.T, method, path, userID string, body, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
		req.Header.Set("X-User-Email", userID+"@example.com")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

type envelopeView struct {
	Envelope envelope.Envelope `json:"envelope"`
	Stats    envelope.Stats    `json:"stats"`
	Audit    []audit.Event     `json:"audit"`
}

type errorView struct {
	Error struct {
		Code               string   `json:"code"`
		Message            string   `json:"message"`
		MissingSignerNames []string `json:"missing_signer_names"`
		RequestID          string   `json:"request_id"`
	} `json:"error"`
}

func (s *testServer) uploadDocument(t *testing.T, content string) string {
	t.Helper()

	resp, err := http.Post(s.URL+"/documents", "application/pdf", strings.NewReader(content))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d, body=%s", http.StatusCreated, resp.StatusCode, string(b))
	}

	var out struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return out.Key
}

func (s *testServer) createEnvelope(t *testing.T, userID, mode string) envelopeView {
	t.Helper()

	key := s.uploadDocument(t, "a rental agreement")
	req := envelope.CreateRequest{
		Title:        "Rental agreement",
		SigningMode:  mode,
		SourceDocKey: key,
		Signers: []envelope.SignerInput{
			{Email: "alice@example.com", Name: "Alice", Order: 1},
			{Email: "bob@example.com", Name: "Bob", Order: 2},
		},
		Fields: []envelope.FieldInput{
			{Page: 1, X: 0.1, Y: 0.8, W: 0.2, H: 0.05, Type: "signature", AssigneeEmail: "alice@example.com"},
			{Page: 1, X: 0.5, Y: 0.8, W: 0.2, H: 0.05, Type: "signature", AssigneeEmail: "bob@example.com"},
		},
	}

	var view envelopeView
	if code := s.do(t, http.MethodPost, "/envelopes", userID, req, &view); code != http.StatusCreated {
		t.Fatalf("create envelope: expected 201, got %d", code)
	}
	return view
}

func TestCreateEnvelope201(t *testing.T) {
	s := newTestServer(t)

	view := s.createEnvelope(t, "user-1", envelope.ModeSequential)
	if view.Envelope.ID == "" {
		t.Fatalf("expected id to be set")
	}
	if view.Envelope.Status != envelope.StatusDraft {
		t.Fatalf("expected status %s, got %s", envelope.StatusDraft, view.Envelope.Status)
	}
	if view.Stats.SignersTotal != 2 {
		t.Fatalf("expected 2 signers in stats, got %d", view.Stats.SignersTotal)
	}
}

func TestCreateEnvelopeValidation400(t *testing.T) {
	s := newTestServer(t)

	var ev errorView
	code := s.do(t, http.MethodPost, "/envelopes", "user-1",
		envelope.CreateRequest{Title: "", SourceDocKey: "sha256:abc"}, &ev)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if ev.Error.Code != envelope.CodeValidation {
		t.Fatalf("expected code %q, got %q", envelope.CodeValidation, ev.Error.Code)
	}
	if ev.Error.Message == "" {
		t.Fatalf("expected message to be set")
	}
	if ev.Error.RequestID == "" {
		t.Fatalf("expected request id in the error envelope")
	}
}

func TestEnvelopesRequireIdentity(t *testing.T) {
	s := newTestServer(t)

	var ev errorView
	if code := s.do(t, http.MethodGet, "/envelopes", "", nil, &ev); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if ev.Error.Code != "unauthorized" {
		t.Fatalf("expected code %q, got %q", "unauthorized", ev.Error.Code)
	}
}

func TestFetchHidesForeignEnvelopes(t *testing.T) {
	s := newTestServer(t)

	view := s.createEnvelope(t, "user-1", envelope.ModeSequential)

	if code := s.do(t, http.MethodGet, "/envelopes/"+view.Envelope.ID, "user-2", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign owner, got %d", code)
	}
	if code := s.do(t, http.MethodGet, "/envelopes/"+view.Envelope.ID, "user-1", nil, nil); code != http.StatusOK {
		t.Fatalf("expected 200 for the owner, got %d", code)
	}
}

func TestFetchIncludesAuditTrail(t *testing.T) {
	s := newTestServer(t)

	created := s.createEnvelope(t, "user-1", envelope.ModeSequential)

	var view envelopeView
	if code := s.do(t, http.MethodGet, "/envelopes/"+created.Envelope.ID, "user-1", nil, &view); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(view.Audit) != 1 || view.Audit[0].Kind != audit.KindCreated {
		t.Fatalf("expected a single CREATED audit entry, got %+v", view.Audit)
	}
}

func TestSendValidationNamesSignersWithoutFields(t *testing.T) {
	s := newTestServer(t)

	key := s.uploadDocument(t, "doc")
	req := envelope.CreateRequest{
		Title:        "One-sided",
		SourceDocKey: key,
		Signers: []envelope.SignerInput{
			{Email: "alice@example.com", Name: "Alice", Order: 1},
			{Email: "bob@example.com", Name: "Bob", Order: 2},
		},
		Fields: []envelope.FieldInput{
			{Page: 1, X: 0.1, Y: 0.8, W: 0.2, H: 0.05, AssigneeEmail: "alice@example.com"},
		},
	}

	var created envelopeView
	if code := s.do(t, http.MethodPost, "/envelopes", "user-1", req, &created); code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", code)
	}

	var ev errorView
	code := s.do(t, http.MethodPost, "/envelopes/"+created.Envelope.ID+"/send", "user-1", nil, &ev)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if ev.Error.Code != envelope.CodeMissingFields {
		t.Fatalf("expected code %q, got %q", envelope.CodeMissingFields, ev.Error.Code)
	}
	if len(ev.Error.MissingSignerNames) != 1 || ev.Error.MissingSignerNames[0] != "Bob" {
		t.Fatalf("expected Bob to be named, got %v", ev.Error.MissingSignerNames)
	}
}

func TestFullSigningFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	created := s.createEnvelope(t, "user-1", envelope.ModeSequential)

	var sent envelopeView
	if code := s.do(t, http.MethodPost, "/envelopes/"+created.Envelope.ID+"/send", "user-1", nil, &sent); code != http.StatusOK {
		t.Fatalf("send: expected 200, got %d", code)
	}
	if sent.Envelope.Status != envelope.StatusSent {
		t.Fatalf("expected status %s, got %s", envelope.StatusSent, sent.Envelope.Status)
	}

	aliceToken := sent.Envelope.SignerByEmail("alice@example.com").Token
	bobToken := sent.Envelope.SignerByEmail("bob@example.com").Token

	// Alice opens her signing session.
	var session struct {
		Signer struct {
			Email    string `json:"email"`
			Eligible bool   `json:"eligible"`
		} `json:"signer"`
		Fields []envelope.SignatureField `json:"signature_fields"`
	}
	if code := s.do(t, http.MethodGet, "/sign/"+aliceToken, "", nil, &session); code != http.StatusOK {
		t.Fatalf("sign session: expected 200, got %d", code)
	}
	if !session.Signer.Eligible {
		t.Fatalf("expected alice to be eligible")
	}
	if len(session.Fields) != 1 {
		t.Fatalf("expected 1 field for alice, got %d", len(session.Fields))
	}

	submit := func(token string, fields []envelope.SignatureField) (int, map[string]json.RawMessage) {
		sigs := make([]envelope.SignatureValue, 0, len(fields))
		for _, fd := range fields {
			sigs = append(sigs, envelope.SignatureValue{FieldID: fd.ID, Value: "Signed"})
		}
		var out map[string]json.RawMessage
		code := s.do(t, http.MethodPost, "/sign/"+token+"/submit", "",
			map[string]any{"signatures": sigs}, &out)
		return code, out
	}

	// Bob may not sign before his turn.
	var ev errorView
	code := s.do(t, http.MethodPost, "/sign/"+bobToken+"/submit", "",
		map[string]any{"signatures": []envelope.SignatureValue{{FieldID: sent.Envelope.FieldsForSigner("bob@example.com")[0].ID, Value: "Bob"}}}, &ev)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for out-of-turn signature, got %d", code)
	}
	if ev.Error.Code != envelope.CodeNotCurrentSigner {
		t.Fatalf("expected code %q, got %q", envelope.CodeNotCurrentSigner, ev.Error.Code)
	}

	if code, _ := submit(aliceToken, session.Fields); code != http.StatusOK {
		t.Fatalf("alice submit: expected 200, got %d", code)
	}

	code, out := submit(bobToken, sent.Envelope.FieldsForSigner("bob@example.com"))
	if code != http.StatusOK {
		t.Fatalf("bob submit: expected 200, got %d", code)
	}

	var final struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		SealedDocKey string `json:"sealed_doc_key"`
	}
	if err := json.Unmarshal(out["envelope"], &final); err != nil {
		t.Fatalf("decode final envelope: %v", err)
	}
	if final.Status != envelope.StatusCompleted {
		t.Fatalf("expected status %s, got %s", envelope.StatusCompleted, final.Status)
	}
	if !strings.HasPrefix(final.SealedDocKey, "sha256:") {
		t.Fatalf("expected sealed key, got %q", final.SealedDocKey)
	}

	// The sealed artifact is downloadable by the owner.
	sealedReq, err := http.NewRequest(http.MethodGet, s.URL+"/envelopes/"+final.ID+"/document/sealed", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	sealedReq.Header.Set("X-User-Id", "user-1")
	sealedResp, err := http.DefaultClient.Do(sealedReq)
	if err != nil {
		t.Fatalf("get sealed: %v", err)
	}
	defer func() { _ = sealedResp.Body.Close() }()
	if sealedResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for sealed document, got %d", sealedResp.StatusCode)
	}

	// Revisiting a finished session reports already_signed instead of a form.
	var again struct {
		AlreadySigned bool `json:"already_signed"`
	}
	if code := s.do(t, http.MethodGet, "/sign/"+aliceToken, "", nil, &again); code != http.StatusOK {
		t.Fatalf("revisit session: expected 200, got %d", code)
	}
	if !again.AlreadySigned {
		t.Fatalf("expected already_signed response")
	}
}

func TestDeclineOverHTTP(t *testing.T) {
	s := newTestServer(t)

	created := s.createEnvelope(t, "user-1", envelope.ModeSequential)

	var sent envelopeView
	if code := s.do(t, http.MethodPost, "/envelopes/"+created.Envelope.ID+"/send", "user-1", nil, &sent); code != http.StatusOK {
		t.Fatalf("send: expected 200, got %d", code)
	}

	bobToken := sent.Envelope.SignerByEmail("bob@example.com").Token
	aliceToken := sent.Envelope.SignerByEmail("alice@example.com").Token

	var out struct {
		Envelope struct {
			Status string `json:"status"`
		} `json:"envelope"`
	}
	code := s.do(t, http.MethodPost, "/sign/"+bobToken+"/decline", "",
		map[string]string{"reason": "wrong payment terms"}, &out)
	if code != http.StatusOK {
		t.Fatalf("decline: expected 200, got %d", code)
	}
	if out.Envelope.Status != envelope.StatusDeclined {
		t.Fatalf("expected status %s, got %s", envelope.StatusDeclined, out.Envelope.Status)
	}

	// Alice's session is gone with the envelope.
	var ev errorView
	if code := s.do(t, http.MethodGet, "/sign/"+aliceToken, "", nil, &ev); code != http.StatusGone {
		t.Fatalf("expected 410 for a dead envelope session, got %d", code)
	}
	if ev.Error.Code != envelope.CodeEnvelopeNotActive {
		t.Fatalf("expected code %q, got %q", envelope.CodeEnvelopeNotActive, ev.Error.Code)
	}
}

func TestSignSessionUnknownToken404(t *testing.T) {
	s := newTestServer(t)

	var ev errorView
	if code := s.do(t, http.MethodGet, "/sign/nope", "", nil, &ev); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if ev.Error.Code != "not_found" {
		t.Fatalf("expected code %q, got %q", "not_found", ev.Error.Code)
	}
}

func TestListPagination(t *testing.T) {
	s := newTestServer(t)

	for range 3 {
		s.createEnvelope(t, "user-1", envelope.ModeSequential)
	}
	s.createEnvelope(t, "user-2", envelope.ModeSequential)

	var out struct {
		Envelopes  []envelopeView `json:"envelopes"`
		Pagination struct {
			Total   int  `json:"total"`
			Limit   int  `json:"limit"`
			Offset  int  `json:"offset"`
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	}
	if code := s.do(t, http.MethodGet, "/envelopes?limit=2", "user-1", nil, &out); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	if out.Pagination.Total != 3 {
		t.Fatalf("expected total 3 for user-1, got %d", out.Pagination.Total)
	}
	if len(out.Envelopes) != 2 {
		t.Fatalf("expected 2 envelopes on the page, got %d", len(out.Envelopes))
	}
	if !out.Pagination.HasMore {
		t.Fatalf("expected has_more")
	}

	if code := s.do(t, http.MethodGet, "/envelopes?limit=2&offset=2", "user-1", nil, &out); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(out.Envelopes) != 1 || out.Pagination.HasMore {
		t.Fatalf("expected the last page without has_more, got %d items, has_more=%v",
			len(out.Envelopes), out.Pagination.HasMore)
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	s := newTestServer(t)

	key := s.uploadDocument(t, "document bytes")

	resp, err := http.Get(s.URL + "/documents/" + key)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("expected stored content type, got %q", ct)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "document bytes" {
		t.Fatalf("unexpected body %q", string(b))
	}

	// Uploading the same bytes twice yields the same key.
	if again := s.uploadDocument(t, "document bytes"); again != key {
		t.Fatalf("expected identical key for identical bytes, got %q and %q", key, again)
	}

	if !strings.HasPrefix(key, "sha256:") {
		t.Fatalf("expected sha256 key, got %q", key)
	}
}

func TestVoidOverHTTP(t *testing.T) {
	s := newTestServer(t)

	created := s.createEnvelope(t, "user-1", envelope.ModeSequential)

	var out envelopeView
	code := s.do(t, http.MethodPost, "/envelopes/"+created.Envelope.ID+"/void", "user-1",
		map[string]string{"reason": "superseded"}, &out)
	if code != http.StatusOK {
		t.Fatalf("void: expected 200, got %d", code)
	}
	if out.Envelope.Status != envelope.StatusVoided {
		t.Fatalf("expected status %s, got %s", envelope.StatusVoided, out.Envelope.Status)
	}
	if out.Envelope.VoidReason != "superseded" {
		t.Fatalf("expected void reason, got %q", out.Envelope.VoidReason)
	}
}

func TestRejectsUnknownJSONFields(t *testing.T) {
	s := newTestServer(t)

	var ev errorView
	code := s.do(t, http.MethodPost, "/envelopes", "user-1",
		map[string]any{"title": "x", "bogus": true}, &ev)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if ev.Error.Code != envelope.CodeValidation {
		t.Fatalf("expected code %q, got %q", envelope.CodeValidation, ev.Error.Code)
	}
}
