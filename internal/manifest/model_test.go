package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// segmentsFrom builds consecutive segments of the given duration.
func segmentsFrom(prefix string, start float64, count int, duration float64) []*Segment {
	out := make([]*Segment, 0, count)
	for i := range count {
		t := start + float64(i)*duration
		out = append(out, &Segment{
			ID:       prefix + "-" + string(rune('a'+i)),
			Time:     t,
			End:      t + duration,
			Duration: duration,
			URL:      prefix + ".m4s",
			Complete: true,
		})
	}
	return out
}

func testPeriod(id string, start float64, index RepresentationIndex) *Period {
	return &Period{
		ID:    id,
		Start: start,
		Adaptations: map[TrackType][]*Adaptation{
			TrackVideo: {{
				ID:   "video",
				Type: TrackVideo,
				Representations: []*Representation{{
					ID:       "v1",
					UniqueID: id + "-video-v1",
					Bitrate:  1_000_000,
					Index:    index,
				}},
			}},
		},
	}
}

func TestListIndex_Segments(t *testing.T) {
	idx := NewListIndex(&Segment{ID: "init", IsInit: true}, segmentsFrom("s", 0, 5, 2))

	tests := []struct {
		name     string
		from     float64
		duration float64
		want     []float64
	}{
		{"start", 0, 3, []float64{0, 2}},
		{"middle", 4.5, 1, []float64{4}},
		{"boundary excluded", 4, 2, []float64{4}},
		{"past the end", 20, 5, nil},
		{"everything", 0, 100, []float64{0, 2, 4, 6, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []float64
			for _, s := range idx.Segments(tt.from, tt.duration) {
				got = append(got, s.Time)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	first, ok := idx.FirstPosition()
	require.True(t, ok)
	assert.Equal(t, 0.0, first)
	last, ok := idx.LastPosition()
	require.True(t, ok)
	assert.Equal(t, 10.0, last)
	assert.Equal(t, "init", idx.InitSegment().ID)
}

func TestListIndex_Merge(t *testing.T) {
	old := NewListIndex(nil, segmentsFrom("old", 0, 4, 2))

	t.Run("overlapping newer list replaces the tail", func(t *testing.T) {
		newer := NewListIndex(nil, segmentsFrom("new", 4, 4, 2))
		merged, err := old.Merge(newer)
		require.NoError(t, err)

		list := merged.(*ListIndex)
		assert.Len(t, list.All(), 6)
		assert.Equal(t, "old-b", list.All()[1].ID)
		assert.Equal(t, "new-a", list.All()[2].ID)
		last, _ := merged.LastPosition()
		assert.Equal(t, 12.0, last)
	})

	t.Run("gap is refused", func(t *testing.T) {
		_, err := old.Merge(NewListIndex(nil, segmentsFrom("new", 20, 1, 2)))
		assert.ErrorIs(t, err, ErrIncompatibleIndex)
	})

	t.Run("empty newer keeps the index", func(t *testing.T) {
		merged, err := old.Merge(NewListIndex(nil, nil))
		require.NoError(t, err)
		assert.Same(t, old, merged)
	})
}

func TestSameContent(t *testing.T) {
	p := testPeriod("p1", 0, nil)
	a := p.Adaptations[TrackVideo][0]
	r := a.Representations[0]
	s1 := &Segment{ID: "1"}
	s2 := &Segment{ID: "2"}

	assert.True(t, SameContent(
		Content{Period: p, Adaptation: a, Representation: r, Segment: s1},
		Content{Period: p, Adaptation: a, Representation: r, Segment: &Segment{ID: "1"}},
	))
	assert.False(t, SameContent(
		Content{Period: p, Adaptation: a, Representation: r, Segment: s1},
		Content{Period: p, Adaptation: a, Representation: r, Segment: s2},
	))
	assert.False(t, SameContent(Content{}, Content{}))

	c := Content{Period: p, Adaptation: a, Representation: r, Segment: s1}
	assert.Equal(t, ContentID{
		PeriodID:               "p1",
		AdaptationID:           "video",
		RepresentationID:       "v1",
		RepresentationUniqueID: "p1-video-v1",
		SegmentID:              "1",
	}, c.ID())
	assert.Equal(t, TrackVideo, c.TrackType())
}

func TestManifest_PeriodForTime(t *testing.T) {
	m := &Manifest{Periods: []*Period{
		{ID: "a", Start: 0, End: ptr(10.0)},
		{ID: "b", Start: 10},
		{ID: "c", Start: 30},
	}}

	assert.Equal(t, "a", m.PeriodForTime(5).ID)
	assert.Equal(t, "b", m.PeriodForTime(10).ID)
	assert.Equal(t, "b", m.PeriodForTime(29.9).ID)
	assert.Equal(t, "c", m.PeriodForTime(100).ID)
	assert.Nil(t, m.PeriodForTime(-1))
	assert.Equal(t, "b", m.PeriodByID("b").ID)
}

func TestHandle_ReplaceVersions(t *testing.T) {
	h := NewHandle(nil)
	assert.Nil(t, h.Load())

	first := h.Replace(&Manifest{})
	assert.Equal(t, uint64(1), first.Version)
	assert.NotEmpty(t, first.ID)

	second := h.Replace(&Manifest{})
	assert.Equal(t, uint64(2), second.Version)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Same(t, second, h.Load())
}

func TestHandle_Update(t *testing.T) {
	oldIdx := NewListIndex(nil, segmentsFrom("old", 0, 4, 2))
	h := NewHandle(&Manifest{
		URLs:    []string{"https://cdn/manifest.mpd"},
		Periods: []*Period{testPeriod("p0", -100, nil), testPeriod("p1", 0, oldIdx)},
	})
	before := h.Load()

	t.Run("merges common periods", func(t *testing.T) {
		partial := &Manifest{
			Lifetime: ptr(2.0),
			Periods: []*Period{
				testPeriod("p1", 0, NewListIndex(nil, segmentsFrom("new", 6, 2, 2))),
				testPeriod("p2", 20, nil),
			},
		}
		// Unique ids are kept from the current manifest.
		partial.Periods[0].Adaptations[TrackVideo][0].Representations[0].UniqueID = "changed"

		got, err := h.Update(partial)
		require.NoError(t, err)
		assert.Equal(t, before.Version+1, got.Version)
		assert.Equal(t, []string{"https://cdn/manifest.mpd"}, got.URLs)
		require.Len(t, got.Periods, 3)
		assert.Equal(t, []string{"p0", "p1", "p2"}, []string{got.Periods[0].ID, got.Periods[1].ID, got.Periods[2].ID})

		rep := got.Periods[1].Adaptations[TrackVideo][0].Representations[0]
		assert.Equal(t, "p1-video-v1", rep.UniqueID)
		last, _ := rep.Index.LastPosition()
		assert.Equal(t, 10.0, last)
		assert.Len(t, rep.Index.(*ListIndex).All(), 5)

		// The previous snapshot is untouched.
		oldRep := before.Periods[1].Adaptations[TrackVideo][0].Representations[0]
		assert.Same(t, oldIdx, oldRep.Index)
	})

	t.Run("no period in common", func(t *testing.T) {
		cur := h.Load()
		_, err := h.Update(&Manifest{Periods: []*Period{testPeriod("other", 50, nil)}})
		assert.ErrorIs(t, err, ErrIncompatibleUpdate)
		assert.Same(t, cur, h.Load())
	})

	t.Run("incompatible index", func(t *testing.T) {
		cur := h.Load()
		_, err := h.Update(&Manifest{Periods: []*Period{
			testPeriod("p1", 0, NewListIndex(nil, segmentsFrom("late", 100, 1, 2))),
		}})
		assert.ErrorIs(t, err, ErrIncompatibleUpdate)
		assert.ErrorIs(t, err, ErrIncompatibleIndex)
		assert.Same(t, cur, h.Load())
	})
}
