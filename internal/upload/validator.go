// Package upload brokers direct-to-bucket document uploads. The gateway
// validates the declared file metadata, issues a presigned grant and later
// confirms the object actually landed; document bytes never pass through it.
package upload

import (
	"fmt"
	"path"
	"strings"

	dErrors "kyc-gateway/pkg/domain-errors"
)

// MaxFileSize is the upload size cap.
const MaxFileSize = 10 << 20

// allowedTypes maps accepted MIME types to the extension stored in the
// object key.
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

// blockedExtensions are never accepted regardless of declared MIME type.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".sh": {}, ".cmd": {}, ".com": {}, ".pif": {},
	".scr": {}, ".vbs": {}, ".js": {}, ".jar": {}, ".zip": {}, ".rar": {},
	".7z": {}, ".tar": {}, ".gz": {},
}

// magicPrefixes are the signatures an uploaded object must start with for
// its declared type. Confirmation re-checks these server side.
var magicPrefixes = map[string][][]byte{
	"image/jpeg":      {{0xFF, 0xD8, 0xFF}},
	"image/png":       {{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	"application/pdf": {[]byte("%PDF-")},
}

// ValidateMetadata checks the declared filename, MIME type and size before a
// grant is issued. All failures are validation errors with client-safe
// messages.
func ValidateMetadata(filename, mimeType string, size int64) (string, error) {
	ext, ok := allowedTypes[mimeType]
	if !ok {
		return "", dErrors.New(dErrors.CodeValidation, "file type not allowed; allowed: JPG, PNG, PDF")
	}
	if size <= 0 {
		return "", dErrors.New(dErrors.CodeValidation, "file size must be positive")
	}
	if size > MaxFileSize {
		return "", dErrors.New(dErrors.CodeValidation, "file too large; max size: 10MB")
	}

	name := SanitizeFilename(filename)
	if name == "" {
		return "", dErrors.New(dErrors.CodeValidation, "filename is required")
	}
	if declared := strings.ToLower(path.Ext(name)); declared != "" {
		if _, blocked := blockedExtensions[declared]; blocked {
			return "", dErrors.New(dErrors.CodeValidation, fmt.Sprintf("dangerous file extension: %s", declared))
		}
	}
	if strings.Count(name, ".") > 2 {
		return "", dErrors.New(dErrors.CodeValidation, "suspicious filename with multiple extensions")
	}
	return ext, nil
}

// SanitizeFilename strips path components and control characters and caps
// the length. The result is only used for audit detail, never as a storage
// path.
func SanitizeFilename(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimSpace(b.String())
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

// MatchesMagic reports whether the object's leading bytes match the declared
// MIME type's signature.
func MatchesMagic(mimeType string, head []byte) bool {
	prefixes, ok := magicPrefixes[mimeType]
	if !ok {
		return false
	}
	for _, prefix := range prefixes {
		if len(head) >= len(prefix) && string(head[:len(prefix)]) == string(prefix) {
			return true
		}
	}
	return false
}
