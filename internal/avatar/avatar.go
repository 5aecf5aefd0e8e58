// Package avatar holds the preset avatar list and the object store for
// uploaded profile pictures.
package avatar

import (
	"fmt"
	"path"
	"strings"
)

const (
	Default           = "G1.jpg"
	Placeholder       = "https://via.placeholder.com/50"
	TutorPlaceholder  = "https://placehold.co/100x100/ff7d2a/ffffff?text=T"
	uploadRoutePrefix = "/api/avatars/"
	objectPrefix      = "avatars/"
)

var presets = []string{"G1.jpg", "G2.jpg", "B1.jpg", "B2.jpg", "B3.jpg"}

var extensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// Presets returns a copy of the selectable avatars in display order.
func Presets() []string {
	out := make([]string, len(presets))
	copy(out, presets)
	return out
}

func IsPreset(value string) bool {
	for _, preset := range presets {
		if preset == value {
			return true
		}
	}
	return false
}

// Extension maps an allowed upload content type to its file extension.
func Extension(contentType string) (string, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := extensions[mediaType]
	return ext, ok
}

func ContentTypeForFile(file string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(file)), ".")
	for contentType, candidate := range extensions {
		if candidate == ext {
			return contentType
		}
	}
	return "application/octet-stream"
}

// ObjectKey is where an upload lives in the bucket.
func ObjectKey(userID, file string) string {
	return objectPrefix + userID + "/" + file
}

// URL is the public path an uploaded avatar is served from.
func URL(userID, file string) string {
	return uploadRoutePrefix + userID + "/" + file
}

// OwnsUpload reports whether url points at an upload stored for userID.
func OwnsUpload(userID, url string) bool {
	if userID == "" {
		return false
	}
	rest, ok := strings.CutPrefix(url, uploadRoutePrefix+userID+"/")
	return ok && ValidFileName(rest)
}

// ValidFileName accepts the "{id}.{ext}" names generated for uploads.
func ValidFileName(file string) bool {
	if file == "" || strings.ContainsAny(file, `/\`) || strings.Contains(file, "..") {
		return false
	}
	ext := strings.TrimPrefix(path.Ext(file), ".")
	for _, candidate := range extensions {
		if candidate == ext && len(file) > len(ext)+1 {
			return true
		}
	}
	return false
}

func FileName(id, ext string) string {
	return fmt.Sprintf("%s.%s", id, ext)
}
