// Package notify fans approval alerts out to the configured providers:
// console, webhook, SMTP email, Twilio SMS, and installed extensions.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"glove/internal/extension"
)

// Config selects and configures the notification providers.
type Config struct {
	Provider  string // single provider, used when Providers is empty
	Providers string // comma-separated provider list, overrides Provider

	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPUseTLS   bool
	SMTPFrom     string
	NotifyTo     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioTo         string

	ExtensionsDir  string
	Extensions     string // comma-separated default extension ids
	TimeoutSeconds int    // per-extension subprocess budget
}

// Envelope is the message handed to every provider.
type Envelope struct {
	Event   string         `json:"event"`
	Subject string         `json:"subject"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload"`
}

// ApprovalEnvelope builds the standard PIN-required alert.
func ApprovalEnvelope(requestID, action, target, uiURL string) Envelope {
	return Envelope{
		Event:   "approval_required",
		Subject: "Glove PIN Required",
		Message: fmt.Sprintf("Glove approval needed.\nRequest: %s\nAction: %s\nTarget: %s\nApprove in Glove UI: %s\n",
			requestID, action, target, uiURL),
		Payload: map[string]any{"request_id": requestID},
	}
}

// Options tweaks a single Send call.
type Options struct {
	// ClawhubExtensions overrides the configured extension ids for the
	// clawhub provider. Nil means use the config.
	ClawhubExtensions []string
}

// Notifier dispatches envelopes to the configured providers.
type Notifier struct {
	cfg    Config
	client *http.Client
	stdout io.Writer
}

// New creates a notifier from config.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		stdout: os.Stdout,
	}
}

// Send delivers the envelope through every configured provider. It fails
// only when every provider fails; partial delivery is success.
func (n *Notifier) Send(ctx context.Context, env Envelope, opts Options) error {
	providers := n.providers()

	var failures []error
	delivered := 0
	for _, provider := range providers {
		var err error
		switch provider {
		case "webhook":
			err = n.sendWebhook(ctx, env)
		case "smtp":
			err = n.sendSMTP(env)
		case "twilio":
			err = n.sendTwilio(ctx, env)
		case "clawhub":
			err = n.sendClawhub(ctx, env, opts)
		default:
			err = n.sendConsole(env)
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", provider, err))
		} else {
			delivered++
		}
	}

	if delivered == 0 && len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

// providers returns the effective provider list. Empty config falls back to
// console; unknown names are delivered to console rather than dropped.
func (n *Notifier) providers() []string {
	raw := n.cfg.Providers
	if raw == "" {
		raw = n.cfg.Provider
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"console"}
	}
	return out
}

// Describe returns the provider list for health reporting.
func (n *Notifier) Describe() string {
	return strings.Join(n.providers(), ",")
}

func (n *Notifier) sendConsole(env Envelope) error {
	line, err := json.Marshal(map[string]any{
		"event":   "glove_notify",
		"subject": env.Subject,
		"message": env.Message,
		"payload": env.Payload,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(n.stdout, string(line))
	return err
}

func (n *Notifier) sendWebhook(ctx context.Context, env Envelope) error {
	if n.cfg.WebhookURL == "" {
		return errors.New("webhook URL not configured")
	}
	body, err := json.Marshal(map[string]any{
		"subject": env.Subject,
		"message": env.Message,
		"payload": env.Payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendSMTP(env Envelope) error {
	if n.cfg.SMTPHost == "" || n.cfg.NotifyTo == "" {
		return errors.New("SMTP host or recipient not configured")
	}
	from := n.cfg.SMTPFrom
	if from == "" {
		from = n.cfg.SMTPUsername
	}

	addr := net.JoinHostPort(n.cfg.SMTPHost, strconv.Itoa(n.cfg.SMTPPort))
	conn, err := net.DialTimeout("tcp", addr, 15*time.Second)
	if err != nil {
		return fmt.Errorf("dial SMTP: %w", err)
	}
	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake: %w", err)
	}
	defer client.Close()

	if n.cfg.SMTPUseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: n.cfg.SMTPHost}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if n.cfg.SMTPUsername != "" {
		auth := smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(n.cfg.NotifyTo); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		from, n.cfg.NotifyTo, env.Subject, env.Message)
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (n *Notifier) sendTwilio(ctx context.Context, env Envelope) error {
	if n.cfg.TwilioAccountSID == "" || n.cfg.TwilioAuthToken == "" || n.cfg.TwilioFrom == "" || n.cfg.TwilioTo == "" {
		return errors.New("Twilio credentials not configured")
	}

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json",
		n.cfg.TwilioAccountSID)
	form := url.Values{}
	form.Set("From", n.cfg.TwilioFrom)
	form.Set("To", n.cfg.TwilioTo)
	form.Set("Body", env.Message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(n.cfg.TwilioAccountSID, n.cfg.TwilioAuthToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Twilio returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (n *Notifier) sendClawhub(ctx context.Context, env Envelope, opts Options) error {
	ids := opts.ClawhubExtensions
	if ids == nil {
		for _, id := range strings.Split(n.cfg.Extensions, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return errors.New("no extensions configured")
	}

	var failures []error
	for _, id := range ids {
		if err := n.invokeExtension(ctx, id, env); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", id, err))
		}
	}
	if len(failures) == len(ids) {
		return errors.Join(failures...)
	}
	return nil
}

// invokeExtension runs one extension's notify command with the envelope on
// stdin. The subprocess runs with the extension directory as its working
// directory and never through a shell.
func (n *Notifier) invokeExtension(ctx context.Context, id string, env Envelope) error {
	dir := filepath.Join(n.cfg.ExtensionsDir, id)
	manifest, err := extension.LoadManifest(filepath.Join(dir, extension.ManifestName))
	if err != nil {
		return err
	}

	input, err := json.Marshal(env)
	if err != nil {
		return err
	}

	timeout := n.cfg.TimeoutSeconds
	if timeout < 1 {
		timeout = 1
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, manifest.Notify.Command, manifest.Notify.Args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("extension exited: %w: %s", err, detail)
		}
		return fmt.Errorf("extension exited: %w", err)
	}
	return nil
}

// TestExtension delivers a synthetic envelope through one extension so the
// admin UI can check wiring without a live approval.
func (n *Notifier) TestExtension(ctx context.Context, id string) error {
	env := Envelope{
		Event:   "notify_test",
		Subject: "Glove Extension Test",
		Message: "Test from Glove admin UI",
		Payload: map[string]any{"source": "admin_test"},
	}
	return n.invokeExtension(ctx, id, env)
}
