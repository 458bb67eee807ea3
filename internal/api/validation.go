package api

import (
	"mime"
	"net/http"
	"regexp"
	"strings"
)

// uuidRegex matches the session IDs the registry issues.
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// validSessionID reports whether id could have been issued by the
// registry. Anything else is treated as "no session".
func validSessionID(id string) bool {
	return uuidRegex.MatchString(id)
}

// allowedImageTypes is the content-type allowlist for uploads. HEIC/HEIF
// and TIFF are not recognised by sniffing, so the declared type is also
// consulted.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/heic": true,
	"image/heif": true,
}

// imageContentType returns the upload's content type, or "" when neither
// the bytes nor the declared header name an allowed image type.
func imageContentType(data []byte, declared string) string {
	sniffed := http.DetectContentType(data)
	if allowedImageTypes[sniffed] {
		return sniffed
	}
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		mt = strings.ToLower(mt)
		if allowedImageTypes[mt] {
			return mt
		}
	}
	return ""
}
