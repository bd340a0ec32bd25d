package objectstore

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const uploadPrefix = "uploads/"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// UploadKey builds uploads/{org}/{project}/{uploadID}/{file name}.
func UploadKey(organizationID, projectID, uploadID, fileName string) string {
	return uploadPrefix + strings.Join([]string{
		organizationID, projectID, uploadID, SanitizeFileName(fileName),
	}, "/")
}

type KeyParts struct {
	OrganizationID string
	ProjectID      string
	UploadID       string
	FileName       string
}

func ParseUploadKey(key string) (KeyParts, error) {
	if !strings.HasPrefix(key, uploadPrefix) {
		return KeyParts{}, fmt.Errorf("object key %q is not an upload", key)
	}
	parts := strings.Split(strings.TrimPrefix(key, uploadPrefix), "/")
	if len(parts) != 4 {
		return KeyParts{}, fmt.Errorf("object key %q: want 4 segments, got %d", key, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return KeyParts{}, fmt.Errorf("object key %q has an empty segment", key)
		}
	}
	return KeyParts{OrganizationID: parts[0], ProjectID: parts[1], UploadID: parts[2], FileName: parts[3]}, nil
}

// SanitizeFileName keeps a file name safe for object keys and always ends it
// in .pdf.
func SanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stem = strings.Trim(unsafeName.ReplaceAllString(stem, "_"), "._")
	if stem == "" {
		stem = "upload"
	}
	if len(stem) > 120 {
		stem = stem[:120]
	}
	return stem + ".pdf"
}
