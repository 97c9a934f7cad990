package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	tests := []struct {
		name        string
		pattern     string
		wantRaw     string
		wantType    PatternType
		shouldError bool
	}{
		{
			name:     "plain suffix",
			pattern:  "example.com",
			wantRaw:  "example.com",
			wantType: PatternTypeSuffix,
		},
		{
			name:     "leading dot suffix",
			pattern:  ".ads.example",
			wantRaw:  ".ads.example",
			wantType: PatternTypeSuffix,
		},
		{
			name:     "uppercase with root dot",
			pattern:  "Example.COM.",
			wantRaw:  "example.com",
			wantType: PatternTypeSuffix,
		},
		{
			name:     "single label wildcard",
			pattern:  "*.dev.lan",
			wantRaw:  "*.dev.lan",
			wantType: PatternTypeWildcard,
		},
		{
			name:     "question mark",
			pattern:  "host-?.lan",
			wantRaw:  "host-?.lan",
			wantType: PatternTypeWildcard,
		},
		{
			name:     "alternatives",
			pattern:  "{ads,track}.example.com",
			wantRaw:  "{ads,track}.example.com",
			wantType: PatternTypeWildcard,
		},
		{
			name:        "empty pattern",
			pattern:     "",
			shouldError: true,
		},
		{
			name:        "only root dot",
			pattern:     ".",
			shouldError: true,
		},
		{
			name:        "unclosed class",
			pattern:     "[abc.lan",
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			if tt.shouldError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, tt.wantRaw, p.Raw)
		})
	}
}

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		domain  string
		want    bool
	}{
		{".ads.example", "tracker.ads.example", true},
		{".ads.example", "ads.example", false},
		{"example.com", "example.com", true},
		{"example.com", "www.example.com", true},
		{"example.com", "badexample.com", true},
		{"example.com", "example.org", false},
		{"*.dev.lan", "api.dev.lan", true},
		{"*.dev.lan", "a.b.dev.lan", false},
		{"*.dev.lan", "dev.lan", false},
		{"**.internal", "a.b.c.internal", true},
		{"host-?.lan", "host-1.lan", true},
		{"host-?.lan", "host-12.lan", false},
		{"{ads,track}.example.com", "track.example.com", true},
		{"{ads,track}.example.com", "www.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.domain, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.domain))
		})
	}
}

func TestMatcherLongestFirst(t *testing.T) {
	m, err := NewMatcher([]string{"example.com", "b.example.com", "*.example.com", "a.b.example.com"})
	require.NoError(t, err)

	tests := []struct {
		domain string
		want   string
	}{
		{"x.a.b.example.com", "a.b.example.com"},
		{"x.b.example.com", "b.example.com"},
		{"www.example.com", "*.example.com"},
		{"example.com", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			p, ok := m.Match(tt.domain)
			require.True(t, ok)
			assert.Equal(t, tt.want, p.Raw)
		})
	}
}

func TestMatcherOrderIsDeterministic(t *testing.T) {
	inputs := [][]string{
		{"aa.lan", "bb.lan", "lan"},
		{"lan", "bb.lan", "aa.lan"},
		{"bb.lan", "lan", "aa.lan"},
	}

	var want []string
	for i, in := range inputs {
		m, err := NewMatcher(in)
		require.NoError(t, err)

		var got []string
		for _, p := range m.Patterns() {
			got = append(got, p.Raw)
		}
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got)
	}
	assert.Equal(t, []string{"aa.lan", "bb.lan", "lan"}, want)
}

func TestMatcherNoMatch(t *testing.T) {
	m, err := NewMatcher([]string{".ads.example"})
	require.NoError(t, err)

	_, ok := m.Match("example.org.")
	assert.False(t, ok)
}

func TestMatcherNormalizesQuery(t *testing.T) {
	m, err := NewMatcher([]string{"*.dev.lan"})
	require.NoError(t, err)

	_, ok := m.Match("API.Dev.Lan.")
	assert.True(t, ok)
}

func TestMatcherDuplicatesAndErrors(t *testing.T) {
	m, err := NewMatcher([]string{"Example.com", "example.com."})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats()["total"])

	_, err = NewMatcher([]string{"ok.lan", "[bad"})
	assert.Error(t, err)
}

func TestMatcherStats(t *testing.T) {
	m, err := NewMatcher([]string{"a.lan", "*.b.lan", "c.lan"})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats["suffix"])
	assert.Equal(t, 1, stats["wildcard"])
	assert.Equal(t, 3, stats["total"])
}

func BenchmarkMatcher(b *testing.B) {
	m, _ := NewMatcher([]string{".ads.example", "*.dev.lan", "tracker.net", "**.internal"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Match("deep.host.internal")
	}
}
