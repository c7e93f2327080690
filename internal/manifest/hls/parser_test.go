package hls

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
)

const (
	baseURL = "https://cdn.example.com/live/master.m3u8"

	vodMedia = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.000,
seg0.m4s
#EXTINF:4.000,
seg1.m4s
#EXTINF:2.000,
seg2.m4s
#EXT-X-ENDLIST
`

	liveMedia = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.000,
https://other.example.com/seg10.ts
#EXTINF:6.000,
https://other.example.com/seg11.ts
`

	liveMediaNext = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:11
#EXTINF:6.000,
https://other.example.com/seg11.ts
#EXTINF:6.000,
https://other.example.com/seg12.ts
`

	multivariant = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720
video/720.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.64001e,mp4a.40.2",RESOLUTION=640x360
video/360.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
audio/128.m3u8
`
)

type fakeLoader struct {
	docs  map[string]string
	calls []string
}

func (l *fakeLoader) LoadManifest(_ context.Context, url string, _ manifest.RequestOptions) (*manifest.Loaded, error) {
	l.calls = append(l.calls, url)
	doc, ok := l.docs[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return &manifest.Loaded{URL: url, Data: []byte(doc)}, nil
}

func direct(ctx context.Context, perform func(context.Context) ([]byte, error)) ([]byte, error) {
	return perform(ctx)
}

func parse(t *testing.T, p *Parser, doc string, opts manifest.ParserOptions) (manifest.ParseResult, []error, error) {
	t.Helper()
	var warnings []error
	res, err := p.ParseManifest(context.Background(), &manifest.Loaded{URL: baseURL, Data: []byte(doc)}, opts,
		func(w []error) { warnings = append(warnings, w...) }, direct)
	return res, warnings, err
}

func segmentsOf(t *testing.T, rep *manifest.Representation) []*manifest.Segment {
	t.Helper()
	idx, ok := rep.Index.(*manifest.ListIndex)
	require.True(t, ok)
	return idx.All()
}

func TestParser_VODMediaPlaylist(t *testing.T) {
	res, warnings, err := parse(t, &Parser{}, vodMedia, manifest.ParserOptions{})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	m := res.Manifest
	require.NotNil(t, m)
	assert.False(t, m.IsDynamic)
	assert.Nil(t, m.Lifetime)
	assert.Equal(t, []string{baseURL}, m.URLs)
	require.Len(t, m.Periods, 1)
	require.NotNil(t, m.Periods[0].End)
	assert.InDelta(t, 10.0, *m.Periods[0].End, 1e-9)

	rep := m.Periods[0].Adaptations[manifest.TrackVideo][0].Representations[0]
	init := rep.Index.InitSegment()
	require.NotNil(t, init)
	assert.True(t, init.IsInit)
	assert.Equal(t, "https://cdn.example.com/live/init.mp4", init.URL)

	segs := segmentsOf(t, rep)
	require.Len(t, segs, 3)
	assert.Equal(t, "1", segs[1].ID)
	assert.InDelta(t, 4.0, segs[1].Time, 1e-9)
	assert.InDelta(t, 8.0, segs[1].End, 1e-9)
	assert.InDelta(t, 2.0, segs[2].Duration, 1e-9)
	assert.Equal(t, "https://cdn.example.com/live/seg2.m4s", segs[2].URL)
}

func TestParser_LiveLifetime(t *testing.T) {
	res, _, err := parse(t, &Parser{}, liveMedia, manifest.ParserOptions{})
	require.NoError(t, err)

	m := res.Manifest
	assert.True(t, m.IsDynamic)
	assert.True(t, m.IsLive)
	require.NotNil(t, m.Lifetime)
	assert.InDelta(t, 6.0, *m.Lifetime, 1e-9)
	assert.Nil(t, m.Periods[0].End)

	segs := segmentsOf(t, m.Periods[0].Adaptations[manifest.TrackVideo][0].Representations[0])
	require.Len(t, segs, 2)
	assert.Equal(t, "10", segs[0].ID)
	assert.Equal(t, "https://other.example.com/seg11.ts", segs[1].URL)
}

func TestParser_LiveRefreshKeepsPositions(t *testing.T) {
	first, _, err := parse(t, &Parser{}, liveMedia, manifest.ParserOptions{})
	require.NoError(t, err)

	next, _, err := parse(t, &Parser{}, liveMediaNext, manifest.ParserOptions{PreviousManifest: first.Manifest})
	require.NoError(t, err)

	segs := segmentsOf(t, next.Manifest.Periods[0].Adaptations[manifest.TrackVideo][0].Representations[0])
	require.Len(t, segs, 2)
	assert.Equal(t, "11", segs[0].ID)
	assert.InDelta(t, 6.0, segs[0].Time, 1e-9)
	assert.InDelta(t, 12.0, segs[1].Time, 1e-9)
}

func TestParser_Multivariant(t *testing.T) {
	loader := &fakeLoader{docs: map[string]string{
		"https://cdn.example.com/live/video/720.m3u8": vodMedia,
		"https://cdn.example.com/live/video/360.m3u8": vodMedia,
		"https://cdn.example.com/live/audio/128.m3u8": vodMedia,
	}}
	res, warnings, err := parse(t, &Parser{Loader: loader}, multivariant, manifest.ParserOptions{})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Len(t, loader.calls, 3)

	period := res.Manifest.Periods[0]
	video := period.Adaptations[manifest.TrackVideo]
	require.Len(t, video, 1)
	require.Len(t, video[0].Representations, 2)
	assert.Equal(t, int64(800000), video[0].Representations[0].Bitrate)
	assert.Equal(t, 1280, video[0].Representations[1].Width)
	assert.Equal(t, 720, video[0].Representations[1].Height)
	assert.Equal(t, "https://cdn.example.com/live/video/720.m3u8", video[0].Representations[1].UniqueID)

	audio := period.Adaptations[manifest.TrackAudio]
	require.Len(t, audio, 1)
	assert.Equal(t, int64(128000), audio[0].Representations[0].Bitrate)
}

func TestParser_MultivariantWarnings(t *testing.T) {
	loader := &fakeLoader{docs: map[string]string{
		"https://cdn.example.com/live/video/720.m3u8": vodMedia,
		"https://cdn.example.com/live/audio/128.m3u8": "not a playlist",
	}}
	res, warnings, err := parse(t, &Parser{Loader: loader}, multivariant, manifest.ParserOptions{})
	require.NoError(t, err)
	assert.Len(t, warnings, 2)
	require.Len(t, res.Manifest.Periods[0].Adaptations[manifest.TrackVideo][0].Representations, 1)
	assert.Empty(t, res.Manifest.Periods[0].Adaptations[manifest.TrackAudio])
}

func TestParser_Errors(t *testing.T) {
	t.Run("no usable variant", func(t *testing.T) {
		_, _, err := parse(t, &Parser{Loader: &fakeLoader{}}, multivariant, manifest.ParserOptions{})
		assert.ErrorIs(t, err, ErrNoVariant)
	})
	t.Run("multivariant without loader", func(t *testing.T) {
		_, _, err := parse(t, &Parser{}, multivariant, manifest.ParserOptions{})
		assert.Error(t, err)
	})
	t.Run("malformed", func(t *testing.T) {
		_, _, err := parse(t, &Parser{}, "hello", manifest.ParserOptions{})
		assert.Error(t, err)
	})
}

func TestTrackTypeOf(t *testing.T) {
	tests := []struct {
		codecs []string
		want   manifest.TrackType
	}{
		{nil, manifest.TrackVideo},
		{[]string{"mp4a.40.2"}, manifest.TrackAudio},
		{[]string{"ec-3", "mp4a.40.5"}, manifest.TrackAudio},
		{[]string{"avc1.64001f", "mp4a.40.2"}, manifest.TrackVideo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trackTypeOf(tt.codecs), "%v", tt.codecs)
	}
}
