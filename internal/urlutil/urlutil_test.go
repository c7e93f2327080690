package urlutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFileURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected bool
	}{
		{"file url", "file:///path/to/manifest.mpd", true},
		{"upper case scheme", "FILE:///path/to/manifest.mpd", true},
		{"http url", "http://example.com/manifest.mpd", false},
		{"relative path", "/path/to/manifest.mpd", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFileURL(tt.url))
		})
	}
}

func TestIsAbsolute(t *testing.T) {
	assert.True(t, IsAbsolute("HTTPS://cdn.example.com/a.m4s"))
	assert.True(t, IsAbsolute("file:///data/a.m4s"))
	assert.False(t, IsAbsolute("seg/a.m4s"))
	assert.False(t, IsAbsolute("//cdn.example.com/a.m4s"))
	assert.False(t, IsAbsolute("%zz"))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		ref      string
		expected string
	}{
		{"relative file", "https://cdn.example.com/live/master.m3u8", "video/720.m3u8", "https://cdn.example.com/live/video/720.m3u8"},
		{"parent dir", "https://cdn.example.com/live/video/720.m3u8", "../seg/1.m4s", "https://cdn.example.com/live/seg/1.m4s"},
		{"root relative", "https://cdn.example.com/live/", "/vod/a.mp4", "https://cdn.example.com/vod/a.mp4"},
		{"absolute ref", "https://cdn.example.com/live/", "https://other.example.com/a.mp4", "https://other.example.com/a.mp4"},
		{"base directory", "https://cdn.example.com/live/", "seg-1.m4s", "https://cdn.example.com/live/seg-1.m4s"},
		{"file base", "file:///data/dash/manifest.mpd", "seg-1.m4s", "file:///data/dash/seg-1.m4s"},
		{"no base", "", "seg-1.m4s", "seg-1.m4s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Resolve(tt.base, tt.ref))
		})
	}
}

func TestFilePathFromURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expected    string
		expectError bool
	}{
		{"unix path", "file:///home/user/manifest.mpd", "/home/user/manifest.mpd", false},
		{"unix path with spaces", "file:///home/user/my%20file.mpd", "/home/user/my file.mpd", false},
		{"localhost", "file://localhost/data/manifest.mpd", "/data/manifest.mpd", false},
		{"remote host", "file://server/data/manifest.mpd", "", true},
		{"http url", "http://example.com/manifest.mpd", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := FilePathFromURL(tt.url)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

func TestValidateManifestURL(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "manifest.mpd")
	require.NoError(t, os.WriteFile(testFile, []byte("<MPD/>"), 0o644))

	tests := []struct {
		name        string
		url         string
		expectError bool
		errorMsg    string
	}{
		{"valid http", "http://example.com/manifest.mpd", false, ""},
		{"valid https", "https://example.com/master.m3u8", false, ""},
		{"valid file", "file://" + testFile, false, ""},
		{"empty url", "", true, "manifest URL is required"},
		{"no scheme", "example.com/manifest.mpd", true, "must include a scheme"},
		{"no host", "https:///master.m3u8", true, "has no host"},
		{"unsupported scheme", "ftp://example.com/manifest.mpd", true, "unsupported manifest URL scheme"},
		{"file not found", "file:///nonexistent/path/manifest.mpd", true, "file not found"},
		{"directory", "file://" + tmpDir, true, "is a directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateManifestURL(tt.url)
			if tt.expectError {
				require.Error(t, err)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
