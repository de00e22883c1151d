package pipeline

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentKind(t *testing.T) {
	tests := []struct {
		in      string
		want    ContentKind
		wantErr bool
	}{
		{"data", KindData, false},
		{"STRINGS", KindStrings, false},
		{"Raw", KindRaw, false},
		{"", KindInvalid, false},
		{"bogus", KindInvalid, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseContentKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContentResolve(t *testing.T) {
	fallback := Content{Kind: KindStrings, MinChars: 4, MaxChars: 64}

	inherited := Content{Kind: KindInvalid}.Resolve(fallback)
	assert.Equal(t, KindStrings, inherited.Kind)
	assert.Equal(t, 4, inherited.MinChars)

	explicit := Content{Kind: KindStrings}.Resolve(fallback)
	assert.Equal(t, DefaultStringsMinChars, explicit.MinChars)
	assert.Equal(t, DefaultStringsMaxChars, explicit.MaxChars)

	data := Content{Kind: KindData}.Resolve(fallback)
	assert.Equal(t, KindData, data.Kind)
}

func TestPipelinePassThrough(t *testing.T) {
	payload := []byte("the quick brown fox")
	p := New(bytes.NewReader(payload), Config{Content: Content{Kind: KindData}})

	out, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
	assert.Equal(t, int64(len(payload)), p.BytesRead())
}

func TestPipelineCryptoDigests(t *testing.T) {
	payload := []byte("digest me")
	p := New(bytes.NewReader(payload), Config{
		Content: Content{Kind: KindData},
		Hashes:  HashSelection{MD5: true, SHA1: true, SHA256: true},
	})

	_, err := io.Copy(io.Discard, p)
	require.NoError(t, err)
	d := p.Finalize()

	wantMD5 := md5.Sum(payload)
	wantSHA1 := sha1.Sum(payload)
	wantSHA256 := sha256.Sum256(payload)
	assert.Equal(t, wantMD5[:], d.MD5)
	assert.Equal(t, wantSHA1[:], d.SHA1)
	assert.Equal(t, wantSHA256[:], d.SHA256)
}

func TestPipelineDisabledDigestsStayEmpty(t *testing.T) {
	p := New(strings.NewReader("x"), Config{Content: Content{Kind: KindData}})
	require.NoError(t, p.Drain())
	d := p.Finalize()
	assert.Nil(t, d.MD5)
	assert.Nil(t, d.SHA1)
	assert.Nil(t, d.SHA256)
	assert.Empty(t, d.SSDeep)
	assert.Empty(t, d.TLSH)
}

// The strings filter keeps qualifying printable runs and drops
// everything else; the CSV sample size is the post-filter byte count.
func TestPipelineStringsFilter(t *testing.T) {
	// "ABCDE" (5 printable) interleaved with non-printable bytes; "zz"
	// is below the minimum run length and is dropped.
	raw := []byte{0x00, 0x01, 'A', 'B', 'C', 'D', 'E', 0x02, 'z', 'z', 0x03, 0x04}
	p := New(bytes.NewReader(raw), Config{
		Content: Content{Kind: KindStrings, MinChars: 5, MaxChars: 16},
	})

	out, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", string(out))
	assert.Equal(t, int64(5), p.BytesRead())
}

func TestStringsReaderRunBounds(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		min  int
		max  int
		want string
	}{
		{"run at end of stream", []byte("tail"), 3, 16, "tail"},
		{"short run dropped", []byte{'a', 'b', 0x00}, 3, 16, ""},
		{"run truncated at max", []byte("abcdefgh"), 2, 4, "abcd"},
		{"two runs concatenated", []byte{'f', 'o', 'o', 0x00, 'b', 'a', 'r'}, 3, 16, "foobar"},
		{"tab counts as printable", []byte("a\tb"), 3, 16, "a\tb"},
		{"nul breaks runs", []byte{'a', 0x00, 'b'}, 1, 16, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newStringsReader(bytes.NewReader(tt.in), tt.min, tt.max)
			out, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestPipelineFuzzyCapOverflow(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	p := New(bytes.NewReader(payload), Config{
		Content:        Content{Kind: KindData},
		Fuzzy:          FuzzySelection{SSDeep: true, TLSH: true},
		FuzzyBufferCap: 1024,
	})
	require.NoError(t, p.Drain())
	d := p.Finalize()
	// Over-cap streams yield empty fuzzy digests rather than partial ones.
	assert.Empty(t, d.SSDeep)
	assert.Empty(t, d.TLSH)
}

func TestParseSelections(t *testing.T) {
	h := ParseHashSelection("MD5, sha1")
	assert.True(t, h.MD5)
	assert.True(t, h.SHA1)
	assert.False(t, h.SHA256)
	assert.True(t, h.Any())

	f := ParseFuzzySelection("ssdeep")
	assert.True(t, f.SSDeep)
	assert.False(t, f.TLSH)

	assert.False(t, ParseHashSelection("").Any())
	assert.False(t, ParseFuzzySelection("none").Any())
}
