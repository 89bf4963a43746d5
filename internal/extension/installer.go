package extension

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"glove/internal/signature"
)

// DefaultMaxZipBytes caps uploaded bundles at 25 MiB.
const DefaultMaxZipBytes = 25 * 1024 * 1024

// Install failure kinds, surfaced verbatim in API error details.
const (
	KindZipTooLarge       = "zip_too_large"
	KindInvalidZip        = "invalid_zip"
	KindInvalidZipPaths   = "invalid_zip_paths"
	KindMissingManifest   = "zip_must_contain_one_extension_manifest"
	KindInvalidID         = "invalid_extension_id"
	KindInvalidIDChars    = "invalid_extension_id_chars"
	KindExtensionExists   = "extension_exists"
	KindSignatureRequired = "signature_required"
	KindSignatureInvalid  = "signature_invalid"
)

// Error is a classified install failure.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind + ": " + e.Err.Error()
	}
	return e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// Installer unpacks extension bundles under Root, one directory per
// extension id.
type Installer struct {
	Root              string
	MaxZipBytes       int64
	RequireSignatures bool
	TrustStorePath    string
}

// NewInstaller creates an installer with the default size cap.
func NewInstaller(root, trustStorePath string, requireSignatures bool) *Installer {
	return &Installer{
		Root:              root,
		MaxZipBytes:       DefaultMaxZipBytes,
		RequireSignatures: requireSignatures,
		TrustStorePath:    trustStorePath,
	}
}

// InstallFromZip validates and installs a bundle, returning the extension id.
// The zip must contain exactly one manifest; the manifest's parent directory
// name becomes the extension id.
func (ins *Installer) InstallFromZip(zipBytes []byte, replaceExisting bool, keyID, signatureB64 string) (string, error) {
	if ins.MaxZipBytes > 0 && int64(len(zipBytes)) >= ins.MaxZipBytes {
		return "", &Error{Kind: KindZipTooLarge}
	}

	if ins.RequireSignatures {
		if keyID == "" || signatureB64 == "" {
			return "", &Error{Kind: KindSignatureRequired}
		}
		trust, err := signature.LoadTrustStore(ins.TrustStorePath)
		if err != nil {
			return "", &Error{Kind: KindSignatureInvalid, Err: err}
		}
		if err := signature.VerifyExtensionZip(zipBytes, trust, keyID, signatureB64); err != nil {
			return "", &Error{Kind: KindSignatureInvalid, Err: err}
		}
	}

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return "", &Error{Kind: KindInvalidZip, Err: err}
	}

	// Extract to a scratch directory first so a bad bundle never leaves
	// partial state under Root.
	tmpDir, err := os.MkdirTemp("", "glove-ext-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !filepath.IsLocal(f.Name) {
			return "", &Error{Kind: KindInvalidZipPaths, Err: fmt.Errorf("entry %q escapes bundle root", f.Name)}
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return "", &Error{Kind: KindInvalidZipPaths, Err: fmt.Errorf("entry %q is a symlink", f.Name)}
		}
		dst := filepath.Join(tmpDir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", fmt.Errorf("create entry dir: %w", err)
		}
		if err := extractFile(f, dst); err != nil {
			return "", fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	manifestPath, err := findSingleManifest(tmpDir)
	if err != nil {
		return "", err
	}
	if _, err := LoadManifest(manifestPath); err != nil {
		return "", &Error{Kind: KindInvalidZip, Err: err}
	}

	extDir := filepath.Dir(manifestPath)
	extID := filepath.Base(extDir)
	if extDir == tmpDir || extID == "" || extID == "." {
		return "", &Error{Kind: KindInvalidID}
	}
	if !validExtensionID(extID) {
		return "", &Error{Kind: KindInvalidIDChars}
	}

	target := filepath.Join(ins.Root, extID)
	if _, err := os.Stat(target); err == nil {
		if !replaceExisting {
			return "", &Error{Kind: KindExtensionExists}
		}
		if err := os.RemoveAll(target); err != nil {
			return "", fmt.Errorf("remove existing extension: %w", err)
		}
	}

	if err := os.MkdirAll(ins.Root, 0755); err != nil {
		return "", fmt.Errorf("create extensions root: %w", err)
	}
	if err := os.CopyFS(target, os.DirFS(extDir)); err != nil {
		os.RemoveAll(target)
		return "", fmt.Errorf("install extension: %w", err)
	}

	return extID, nil
}

// Discover lists installed extension ids (directories under Root that carry
// a manifest), sorted.
func (ins *Installer) Discover() ([]string, error) {
	entries, err := os.ReadDir(ins.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read extensions dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(ins.Root, entry.Name(), ManifestName)
		if _, err := os.Stat(manifest); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func extractFile(f *zip.File, dst string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func findSingleManifest(root string) (string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == ManifestName {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan bundle: %w", err)
	}
	if len(found) != 1 {
		return "", &Error{Kind: KindMissingManifest, Err: fmt.Errorf("found %d manifests", len(found))}
	}
	return found[0], nil
}

func validExtensionID(id string) bool {
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
