package script

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindIndexBeforeLowerBound(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(40)
		kf := make([]Keyframe, n)
		at := int64(0)
		for i := range kf {
			// duplicates are allowed: step may be zero
			at += int64(rng.Intn(3)) * 100
			kf[i] = Keyframe{At: at, Pos: float64(rng.Intn(101))}
		}
		for q := int64(-50); q <= at+250; q += 25 {
			i := FindIndexBefore(kf, q)
			if i > 0 {
				require.Less(t, kf[i-1].At, q, "round %d query %d", round, q)
			}
			if i < n {
				require.GreaterOrEqual(t, kf[i].At, q, "round %d query %d", round, q)
			} else {
				require.Greater(t, q, kf[n-1].At)
			}
		}
	}
}

func TestFindIndexBeforeDuplicatesFirstWins(t *testing.T) {
	t.Parallel()
	tl, err := New(Raw{Actions: []Keyframe{{At: 0, Pos: 0}, {At: 500, Pos: 10}, {At: 500, Pos: 90}, {At: 900, Pos: 50}}})
	require.NoError(t, err)

	assert.Equal(t, 0, tl.FindIndexBefore(-10))
	assert.Equal(t, 1, tl.FindIndexBefore(500))
	kf, ok := tl.At(1)
	require.True(t, ok)
	assert.Equal(t, 10.0, kf.Pos)
	assert.Equal(t, tl.Len(), tl.FindIndexBefore(901))
}

func TestNewNormalizesRangeThenInversion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  Raw
		want []float64
	}{
		{name: "plain", raw: Raw{Actions: []Keyframe{{At: 0, Pos: 25}}}, want: []float64{25}},
		{name: "inverted", raw: Raw{Inverted: true, Actions: []Keyframe{{At: 0, Pos: 25}}}, want: []float64{75}},
		{name: "range", raw: Raw{Range: 50, Actions: []Keyframe{{At: 0, Pos: 25}}}, want: []float64{50}},
		{name: "range then invert", raw: Raw{Range: 50, Inverted: true, Actions: []Keyframe{{At: 0, Pos: 10}, {At: 10, Pos: 50}}}, want: []float64{80, 0}},
		{name: "range clamps", raw: Raw{Range: 50, Actions: []Keyframe{{At: 0, Pos: 80}}}, want: []float64{100}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tl, err := New(tt.raw)
			require.NoError(t, err)
			got := make([]float64, 0, tl.Len())
			for _, kf := range tl.Keyframes() {
				got = append(got, kf.Pos)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSortsUnorderedActionsStably(t *testing.T) {
	t.Parallel()
	tl, err := New(Raw{Actions: []Keyframe{{At: 300, Pos: 1}, {At: 100, Pos: 2}, {At: 300, Pos: 3}, {At: 200, Pos: 4}}})
	require.NoError(t, err)
	assert.Equal(t, []Keyframe{{100, 2}, {200, 4}, {300, 1}, {300, 3}}, tl.Keyframes())
	assert.Equal(t, int64(300), tl.Duration())
}

func TestNewRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := map[string]Raw{
		"empty":        {},
		"negative at":  {Actions: []Keyframe{{At: -1, Pos: 0}}},
		"pos too high": {Actions: []Keyframe{{At: 0, Pos: 101}}},
		"bad range":    {Range: 150, Actions: []Keyframe{{At: 0, Pos: 0}}},
	}
	for name, raw := range cases {
		_, err := New(raw)
		assert.ErrorIs(t, err, ErrInvalidScript, name)
	}
	_, err := Parse([]byte(`{"actions": "nope"}`))
	assert.ErrorIs(t, err, ErrInvalidScript)
}

func TestCSVRangeAndInversion(t *testing.T) {
	t.Parallel()
	tl, err := New(Raw{Range: 50, Inverted: true, Actions: []Keyframe{{At: 1000, Pos: 25}, {At: 1500, Pos: 5}}})
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := tl.CSV("stash.app", now)
	require.NoError(t, err)

	lines := strings.Split(string(b), "\n")
	assert.Equal(t, "#Created by stash.app Fri, 01 Mar 2024 12:00:00 GMT", lines[0])
	assert.Equal(t, "1000,50\r", lines[1])
	assert.Equal(t, "1500,90\r", lines[2])
	assert.True(t, strings.HasSuffix(string(b), "\r\n"))

	// local times are rendered in GMT
	b, err = tl.CSV("stash.app", now.In(time.FixedZone("CET", 3600)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "#Created by stash.app Fri, 01 Mar 2024 12:00:00 GMT\n"))
}

func TestCSVEmptyTimeline(t *testing.T) {
	t.Parallel()
	var tl *Timeline
	_, err := tl.CSV("x", time.Now())
	assert.ErrorIs(t, err, ErrInvalidScript)
}

func TestLoadFileAndFetch(t *testing.T) {
	t.Parallel()
	doc := `{"inverted":false,"range":100,"actions":[{"at":0,"pos":0},{"at":400,"pos":100}]}`

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.funscript")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	tl, err := Load(context.Background(), nil, path)
	require.NoError(t, err)
	assert.Equal(t, 2, tl.Len())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clip.funscript" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	tl, err = Load(context.Background(), srv.Client(), srv.URL+"/clip.funscript")
	require.NoError(t, err)
	assert.Equal(t, int64(400), tl.Duration())

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.Error(t, err)
}
