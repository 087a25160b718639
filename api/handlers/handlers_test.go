// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/keystone/kds/internal/cryptoutil"
	"github.com/keystone/kds/internal/group"
	"github.com/keystone/kds/internal/keystore"
	"github.com/keystone/kds/internal/masterkey"
	"github.com/keystone/kds/internal/storage"
	"github.com/keystone/kds/internal/ticket"
)

func newTestEngine(t *testing.T) *ticket.Engine {
	t.Helper()
	mk, err := masterkey.Load(filepath.Join(t.TempDir(), "kds.mkey"))
	if err != nil {
		t.Fatalf("masterkey.Load: %v", err)
	}
	codec := storage.New(mk)
	store := keystore.NewMemory(600 * time.Second)
	groups := group.New(store, codec, group.Config{
		Timeout:            900 * time.Second,
		RenewTime:          120 * time.Second,
		AdditionalRetrieve: 600 * time.Second,
	})
	return ticket.New(codec, store, groups, ticket.Config{
		TTL:       3600 * time.Second,
		ClockSkew: 30 * time.Second,
	})
}

func TestKeyHandlerStoresAndReturnsGeneration(t *testing.T) {
	engine := newTestEngine(t)
	body, _ := json.Marshal(setKeyRequest{Key: base64.StdEncoding.EncodeToString([]byte("0123456789ABCDEF"))})

	req := httptest.NewRequest(http.MethodPut, "/key/home.local", bytes.NewReader(body))
	req.SetPathValue("name", "home.local")
	rec := httptest.NewRecorder()

	KeyHandler(engine)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp setKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", resp.Generation)
	}
}

func TestKeyHandlerRejectsBadBase64(t *testing.T) {
	engine := newTestEngine(t)
	body, _ := json.Marshal(setKeyRequest{Key: "not-base64!!!"})

	req := httptest.NewRequest(http.MethodPut, "/key/home.local", bytes.NewReader(body))
	req.SetPathValue("name", "home.local")
	rec := httptest.NewRecorder()

	KeyHandler(engine)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestKeyHandlerRejectsWrongMethod(t *testing.T) {
	engine := newTestEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/key/home.local", nil)
	rec := httptest.NewRecorder()

	KeyHandler(engine)(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGroupHandlerCreateIsIdempotentAtTheWire(t *testing.T) {
	engine := newTestEngine(t)

	req := httptest.NewRequest(http.MethodPut, "/group/workers", nil)
	req.SetPathValue("name", "workers")
	rec := httptest.NewRecorder()
	GroupHandler(engine)(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first creation, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPut, "/group/workers", nil)
	req2.SetPathValue("name", "workers")
	rec2 := httptest.NewRecorder()
	GroupHandler(engine)(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on second creation, got %d", rec2.Code)
	}
}

func TestGroupHandlerDeleteMissingReturns404(t *testing.T) {
	engine := newTestEngine(t)
	req := httptest.NewRequest(http.MethodDelete, "/group/ghost", nil)
	req.SetPathValue("name", "ghost")
	rec := httptest.NewRecorder()

	GroupHandler(engine)(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

type wireMetadata struct {
	Requestor string `json:"requestor"`
	Target    string `json:"target"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

func signedEnvelope(t *testing.T, rk []byte, requestor, target, nonce string, ts time.Time) requestEnvelope {
	t.Helper()
	body, err := json.Marshal(wireMetadata{
		Requestor: requestor,
		Target:    target,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Nonce:     nonce,
	})
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	b64 := base64.StdEncoding.EncodeToString(body)
	sig := cryptoutil.Sign(rk, []byte(b64))
	return requestEnvelope{Metadata: b64, Signature: base64.StdEncoding.EncodeToString(sig)}
}

func TestTicketHandlerHappyPath(t *testing.T) {
	engine := newTestEngine(t)
	rk := []byte("0123456789ABCDEF")
	tk := []byte("FEDCBA9876543210")

	mustStore := func(name string, key []byte) {
		if _, err := engine.SetKey(name, key); err != nil {
			t.Fatalf("SetKey(%s): %v", name, err)
		}
	}
	mustStore("home.local", rk)
	mustStore("tests.openstack.remote", tk)

	env := signedEnvelope(t, rk, "home.local", "tests.openstack.remote", "42", time.Now())
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/ticket", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	TicketHandler(engine)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ticketResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Ticket == "" || resp.Signature == "" {
		t.Fatal("expected non-empty ticket and signature")
	}
}

func TestTicketHandlerMissingRequestorReturns401(t *testing.T) {
	engine := newTestEngine(t)
	rk := []byte("0123456789ABCDEF")
	env := signedEnvelope(t, rk, "home.local", "tests.openstack.remote", "42", time.Now())
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/ticket", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	TicketHandler(engine)(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGroupKeyHandlerForbidsNonMember(t *testing.T) {
	engine := newTestEngine(t)
	rk := []byte("0123456789ABCDEF")
	if _, err := engine.SetKey("foo.local", rk); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if _, err := engine.CreateGroup("bar"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	env := signedEnvelope(t, rk, "foo.local", "bar", "1", time.Now())
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/group_key", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	GroupKeyHandler(engine)(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler("1.2.3")(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestHealthHandlerRejectsWrongMethod(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler("1.2.3")(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
