package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shipcore/groupcore/internal/crypto"
)

func newTestClientForRPC(t *testing.T, baseURL string) *Client {
	t.Helper()
	cp := crypto.NewProvider()
	_, priv, err := cp.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	c, err := NewClient(Config{
		Endpoints:  []string{baseURL},
		UserID:     1,
		DeviceID:   "alice-phone",
		SigningKey: priv,
		Crypto:     cp,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.baseURL = baseURL
	return c
}

func TestRegisterGroupDeviceSendsSignedRequest(t *testing.T) {
	var gotPath string
	var gotBody registerGroupDeviceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClientForRPC(t, srv.URL)
	if err := c.RegisterGroupDevice(context.Background(), []byte("last-resort-kp")); err != nil {
		t.Fatalf("RegisterGroupDevice: %v", err)
	}

	if gotPath != "/devices/register" {
		t.Errorf("path = %q, want /devices/register", gotPath)
	}
	if gotBody.UserID != 1 || gotBody.DeviceID != "alice-phone" {
		t.Errorf("body identity = (%d, %q), want (1, alice-phone)", gotBody.UserID, gotBody.DeviceID)
	}
	if len(gotBody.Signature) == 0 {
		t.Errorf("signature missing from request body")
	}
}

func TestGetUserCredentialDecodesResponse(t *testing.T) {
	want := []byte("credential-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(userCredentialResponse{Credential: want})
	}))
	defer srv.Close()

	c := newTestClientForRPC(t, srv.URL)
	got, err := c.GetUserCredential(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetUserCredential: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("credential = %q, want %q", got, want)
	}
}

func TestDoJSONReturnsRPCErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("not allowed"))
	}))
	defer srv.Close()

	c := newTestClientForRPC(t, srv.URL)
	_, err := c.GetUserCredential(context.Background(), 2)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("error type = %T, want *RPCError", err)
	}
	if rpcErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", rpcErr.StatusCode)
	}
}
