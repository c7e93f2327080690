// Package urlutil resolves and validates manifest and segment URLs.
package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"
)

// IsFileURL reports whether u uses the file:// scheme. Local manifests and
// their segments are read from disk instead of being requested.
func IsFileURL(u string) bool {
	return len(u) >= 7 && strings.EqualFold(u[:7], "file://")
}

// IsAbsolute reports whether u carries a scheme.
func IsAbsolute(u string) bool {
	return scheme(u) != ""
}

func scheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// Resolve resolves ref against base the way a browser resolves a link.
// ref is returned unchanged when it is already absolute or when either URL
// is malformed.
func Resolve(base, ref string) string {
	if base == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// FilePathFromURL returns the local path of a file:// URL. Both file:///path
// and file://localhost/path are accepted.
func FilePathFromURL(u string) (string, error) {
	if !IsFileURL(u) {
		return "", fmt.Errorf("not a file:// URL: %s", u)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		return "", fmt.Errorf("remote host in file URL: %s", u)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("empty path in file URL: %s", u)
	}
	return parsed.Path, nil
}

// ValidateManifestURL checks that u can be loaded as a manifest: an http(s)
// URL with a host, or a file:// URL naming an existing file.
func ValidateManifestURL(u string) error {
	if u == "" {
		return errors.New("manifest URL is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid manifest URL: %w", err)
	}

	switch s := strings.ToLower(parsed.Scheme); s {
	case SchemeHTTP, SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("manifest URL has no host: %s", u)
		}
		return nil
	case SchemeFile:
		path, err := FilePathFromURL(u)
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("manifest file not found: %s", path)
			}
			return fmt.Errorf("cannot access manifest file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("manifest path is a directory: %s", path)
		}
		return nil
	case "":
		return errors.New("manifest URL must include a scheme (http://, https://, or file://)")
	default:
		return fmt.Errorf("unsupported manifest URL scheme: %s (supported: http, https, file)", s)
	}
}
