package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/resellr/internal/model"
)

func TestSendCredentialsEndUser(t *testing.T) {
	var received postmarkEmail
	var gotToken string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", "https://resellr.test", WithAPIURL(server.URL), WithHTTPClient(server.Client()))

	err := client.SendCredentials(context.Background(), "alice@example.com", "Alice", model.RoleEndUser, "k7m2p9x4q8r3")
	if err != nil {
		t.Fatalf("send credentials: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", received.To, "alice@example.com")
	}
	if received.From != "noreply@example.com" {
		t.Errorf("From = %q, want %q", received.From, "noreply@example.com")
	}
	if received.Subject != "Your access is ready" {
		t.Errorf("Subject = %q, want %q", received.Subject, "Your access is ready")
	}
	if !strings.Contains(received.TextBody, "k7m2p9x4q8r3") {
		t.Error("text body is missing the credential")
	}
	if received.Tag != "credentials" {
		t.Errorf("Tag = %q, want %q", received.Tag, "credentials")
	}
}

func TestSendCredentialsPartner(t *testing.T) {
	var received postmarkEmail

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", "https://resellr.test", WithAPIURL(server.URL))

	err := client.SendCredentials(context.Background(), "bob@example.com", "", model.RolePartnerReseller, "LIC-AAAA-BBBB-CCCC-DDDD")
	if err != nil {
		t.Fatalf("send credentials: %v", err)
	}
	if received.Subject != "Your partner reseller account is ready" {
		t.Errorf("Subject = %q, want partner subject", received.Subject)
	}
	if !strings.Contains(received.TextBody, "Hello bob@example.com") {
		t.Errorf("text body should greet by email when name is empty: %q", received.TextBody)
	}
}

func TestSendCredentialsNotConfigured(t *testing.T) {
	client := NewClient("", "noreply@example.com", "https://resellr.test")

	err := client.SendCredentials(context.Background(), "alice@example.com", "Alice", model.RoleEndUser, "x")
	if err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendCredentialsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", "https://resellr.test", WithAPIURL(server.URL))

	err := client.SendCredentials(context.Background(), "alice@example.com", "Alice", model.RoleEndUser, "x")
	if err == nil {
		t.Fatal("expected error for API failure")
	}
}

func TestConfigured(t *testing.T) {
	c1 := NewClient("token", "from@test.com", "https://test.com")
	if !c1.Configured() {
		t.Error("expected Configured() = true")
	}

	c2 := NewClient("", "from@test.com", "https://test.com")
	if c2.Configured() {
		t.Error("expected Configured() = false")
	}
}
