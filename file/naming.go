package file

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/opd-ai/filedrop/interfaces"
	"github.com/opd-ai/filedrop/limits"
)

// preferredExtensions pins the extension for common types whose system
// mime tables list several candidates.
var preferredExtensions = map[string]string{
	"application/json":         ".json",
	"application/octet-stream": ".bin",
	"application/pdf":          ".pdf",
	"application/zip":          ".zip",
	"audio/mpeg":               ".mp3",
	"image/gif":                ".gif",
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/webp":               ".webp",
	"text/csv":                 ".csv",
	"text/html":                ".html",
	"text/plain":               ".txt",
	"video/mp4":                ".mp4",
	"video/quicktime":          ".mov",
}

// maxUniqueAttempts bounds the "name (n).ext" probing.
const maxUniqueAttempts = 1000

// SanitizeFileName reduces a peer supplied name to a single safe path
// element. Directory parts are dropped, path-unsafe and control characters
// become '_', leading dots are stripped and the result is cut to
// limits.MaxFileNameLength bytes. It returns "" when nothing usable is left.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError, unicode.IsControl(r):
			return '_'
		case strings.ContainsRune(`:*?"<>|`, r):
			return '_'
		}
		return r
	}, name)

	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	name = strings.TrimSpace(name)
	return truncateName(name, limits.MaxFileNameLength)
}

// truncateName shortens name to max bytes, keeping its extension and
// never splitting a rune.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= max/2 {
		ext = ""
	}
	base := name[:len(name)-len(ext)]
	cut := max - len(ext)
	for cut > 0 && !utf8.RuneStart(base[cut]) {
		cut--
	}
	return base[:cut] + ext
}

// ExtensionForMimeType returns a file extension for a media type, or "".
func ExtensionForMimeType(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	sort.Strings(exts)
	return exts[0]
}

// OutputName derives the stored file name for a session from the peer's
// file name and mime type, falling back to received_<session>.
func OutputName(fileName, mimeType, sessionID string) string {
	name := SanitizeFileName(fileName)
	if name == "" {
		name = "received_" + shortID(sessionID)
	}
	if filepath.Ext(name) == "" {
		if ext := ExtensionForMimeType(mimeType); ext != "" {
			name = truncateName(name, limits.MaxFileNameLength-len(ext)) + ext
		}
	}
	return name
}

func shortID(sessionID string) string {
	id := SanitizeFileName(sessionID)
	id = strings.Map(func(r rune) rune {
		if r == ' ' || r == '.' {
			return '_'
		}
		return r
	}, id)
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		id = "session"
	}
	return id
}

// uniqueName returns the n-th alternative of name: "report (n).pdf".
func uniqueName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	suffix := fmt.Sprintf(" (%d)", n)
	return truncateName(base, limits.MaxFileNameLength-len(suffix)-len(ext)) + suffix + ext
}

// writeUnique stores data under dir/name, picking the first free
// "name (n).ext" variant. It returns the path written.
func writeUnique(store interfaces.FileStore, dir, name string, data []byte) (string, error) {
	if err := store.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("create output directory %s: %w", dir, err)
	}
	for n := 0; n < maxUniqueAttempts; n++ {
		path := filepath.Join(dir, uniqueName(name, n))
		err := store.CreateFile(path, data)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free name for %s in %s after %d attempts", name, dir, maxUniqueAttempts)
}
