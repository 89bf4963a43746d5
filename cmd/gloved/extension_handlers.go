package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"glove/internal/extension"
)

func (s *server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	installed, enabled, detail := s.extensionState(r.Context())
	if detail != "" {
		writeError(w, http.StatusInternalServerError, detail)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"extensions_dir": s.installer.Root,
		"installed":      installed,
		"enabled":        enabled,
	})
}

// extensionState returns installed ids plus the enabled subset (enabled ids
// that are no longer installed are filtered out).
func (s *server) extensionState(ctx context.Context) (installed, enabled []string, detail string) {
	installed, err := s.installer.Discover()
	if err != nil {
		return nil, nil, "extensions_unavailable"
	}
	if installed == nil {
		installed = []string{}
	}
	ids, err := s.enabledExtensions(ctx)
	if err != nil {
		return nil, nil, "settings_unavailable"
	}
	enabled = []string{}
	for _, id := range ids {
		if slices.Contains(installed, id) {
			enabled = append(enabled, id)
		}
	}
	return installed, enabled, ""
}

func (s *server) handleConfigExtensions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Extensions []string `json:"extensions"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	ctx := r.Context()

	installed, err := s.installer.Discover()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "extensions_unavailable")
		return
	}
	enabled := []string{}
	for _, id := range body.Extensions {
		id = strings.TrimSpace(id)
		if id != "" && slices.Contains(installed, id) && !slices.Contains(enabled, id) {
			enabled = append(enabled, id)
		}
	}

	if err := s.store.SetSetting(ctx, "clawhub_enabled_extensions", strings.Join(enabled, ",")); err != nil {
		writeError(w, http.StatusInternalServerError, "settings_unavailable")
		return
	}
	if err := s.store.AppendAudit(ctx, "extensions_config", "ok",
		map[string]any{"enabled": enabled}, "", "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, "audit_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": enabled})
}

func (s *server) handleTestExtension(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExtensionID string `json:"extension_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	ctx := r.Context()

	installed, err := s.installer.Discover()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "extensions_unavailable")
		return
	}
	if !slices.Contains(installed, body.ExtensionID) {
		writeError(w, http.StatusNotFound, "extension_not_found")
		return
	}

	if err := s.notifier.TestExtension(ctx, body.ExtensionID); err != nil {
		s.store.AppendAudit(ctx, "extensions_test", "failed", //nolint:errcheck
			map[string]any{"extension_id": body.ExtensionID, "error": err.Error()}, "", "", "")
		writeError(w, http.StatusInternalServerError, "extension_test_failed: "+err.Error())
		return
	}

	if err := s.store.AppendAudit(ctx, "extensions_test", "ok",
		map[string]any{"extension_id": body.ExtensionID}, "", "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, "audit_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleInstallFromURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL             string `json:"url"`
		ReplaceExisting bool   `json:"replace_existing"`
		KeyID           string `json:"key_id"`
		SignatureB64    string `json:"signature_b64"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "download_failed")
		return
	}
	ctx := r.Context()

	client := &http.Client{Timeout: 20 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, body.URL, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "download_failed")
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "download_failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		writeError(w, http.StatusBadRequest, "download_failed")
		return
	}
	zipBytes, err := io.ReadAll(io.LimitReader(resp.Body, s.installer.MaxZipBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "download_failed")
		return
	}

	extID, err := s.installer.InstallFromZip(zipBytes, body.ReplaceExisting, body.KeyID, body.SignatureB64)
	if err != nil {
		writeInstallError(w, err)
		return
	}

	if err := s.store.AppendAudit(ctx, "extensions_install", "ok", map[string]any{
		"source":       "url",
		"url":          body.URL,
		"extension_id": extID,
		"key_id":       body.KeyID,
	}, "", "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, "audit_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "extension_id": extID})
}

func (s *server) handleInstallFromUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "file_must_be_zip")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file_must_be_zip")
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		writeError(w, http.StatusBadRequest, "file_must_be_zip")
		return
	}
	ctx := r.Context()

	zipBytes, err := io.ReadAll(io.LimitReader(file, s.installer.MaxZipBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "file_must_be_zip")
		return
	}

	replaceExisting, _ := strconv.ParseBool(r.FormValue("replace_existing"))
	keyID := r.FormValue("key_id")
	signatureB64 := r.FormValue("signature_b64")

	extID, err := s.installer.InstallFromZip(zipBytes, replaceExisting, keyID, signatureB64)
	if err != nil {
		writeInstallError(w, err)
		return
	}

	if err := s.store.AppendAudit(ctx, "extensions_install", "ok", map[string]any{
		"source":       "upload",
		"filename":     header.Filename,
		"extension_id": extID,
		"key_id":       keyID,
	}, "", "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, "audit_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "extension_id": extID})
}

// writeInstallError maps classified installer failures onto HTTP statuses.
func writeInstallError(w http.ResponseWriter, err error) {
	var instErr *extension.Error
	if !errors.As(err, &instErr) {
		writeError(w, http.StatusInternalServerError, "install_failed")
		return
	}
	status := http.StatusBadRequest
	if instErr.Kind == extension.KindExtensionExists {
		status = http.StatusConflict
	}
	writeError(w, status, instErr.Kind)
}
