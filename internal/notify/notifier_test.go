package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"glove/internal/extension"
)

func TestProviderParsing(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		providers string
		want      []string
	}{
		{"empty defaults to console", "", "", []string{"console"}},
		{"single provider", "webhook", "", []string{"webhook"}},
		{"list overrides single", "webhook", "console, email", []string{"console", "email"}},
		{"normalizes case and space", "", " Webhook ,TWILIO", []string{"webhook", "twilio"}},
		{"drops empty segments", "", "console,,webhook", []string{"console", "webhook"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(Config{Provider: tt.provider, Providers: tt.providers})
			if got := n.providers(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("providers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConsoleEmitsJSONLine(t *testing.T) {
	n := New(Config{})
	var buf bytes.Buffer
	n.stdout = &buf

	env := ApprovalEnvelope("req_1", "deploy.production", "api-server", "http://127.0.0.1:8088/?request_id=req_1")
	if err := n.Send(context.Background(), env, Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("console output is not JSON: %v", err)
	}
	if line["event"] != "glove_notify" {
		t.Errorf("event = %v, want glove_notify", line["event"])
	}
	if line["subject"] != "Glove PIN Required" {
		t.Errorf("subject = %v", line["subject"])
	}
	msg, _ := line["message"].(string)
	if !strings.Contains(msg, "Request: req_1") || !strings.Contains(msg, "Approve in Glove UI:") {
		t.Errorf("message = %q", msg)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
	}))
	defer srv.Close()

	n := New(Config{Providers: "webhook", WebhookURL: srv.URL})
	env := ApprovalEnvelope("req_2", "rm.recursive", "/data", "http://127.0.0.1:8088/?request_id=req_2")
	if err := n.Send(context.Background(), env, Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["subject"] != "Glove PIN Required" {
		t.Errorf("webhook subject = %v", got["subject"])
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["request_id"] != "req_2" {
		t.Errorf("webhook payload = %v", got["payload"])
	}
}

func TestSendFailsOnlyWhenAllProvidersFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Webhook fails, console succeeds: overall success.
	n := New(Config{Providers: "webhook,console", WebhookURL: srv.URL})
	n.stdout = &bytes.Buffer{}
	env := ApprovalEnvelope("req_3", "a", "b", "u")
	if err := n.Send(context.Background(), env, Options{}); err != nil {
		t.Errorf("partial delivery should succeed, got %v", err)
	}

	// Webhook alone fails: overall failure naming the provider.
	n = New(Config{Providers: "webhook", WebhookURL: srv.URL})
	err := n.Send(context.Background(), env, Options{})
	if err == nil {
		t.Fatal("all-providers-failed should error")
	}
	if !strings.Contains(err.Error(), "webhook") {
		t.Errorf("error should name the provider: %v", err)
	}
}

func installCatExtension(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := `{"notify": {"command": "/bin/cat", "args": []}}`
	if err := os.WriteFile(filepath.Join(dir, extension.ManifestName), []byte(manifest), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestClawhubInvokesExtension(t *testing.T) {
	root := t.TempDir()
	installCatExtension(t, root, "echoer")

	n := New(Config{
		Providers:      "clawhub",
		ExtensionsDir:  root,
		Extensions:     "echoer",
		TimeoutSeconds: 5,
	})
	env := ApprovalEnvelope("req_4", "deploy", "svc", "u")
	if err := n.Send(context.Background(), env, Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Per-call override targeting a missing extension fails.
	err := n.Send(context.Background(), env, Options{ClawhubExtensions: []string{"ghost"}})
	if err == nil {
		t.Error("missing extension should fail when it is the only one")
	}
}

func TestTestExtension(t *testing.T) {
	root := t.TempDir()
	installCatExtension(t, root, "echoer")

	n := New(Config{ExtensionsDir: root, TimeoutSeconds: 5})
	if err := n.TestExtension(context.Background(), "echoer"); err != nil {
		t.Fatalf("TestExtension: %v", err)
	}
	if err := n.TestExtension(context.Background(), "ghost"); err == nil {
		t.Error("TestExtension(missing) should fail")
	}
}
