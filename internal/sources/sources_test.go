package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSampleID(t *testing.T) {
	tests := []struct {
		name         string
		sourceID     SourceID
		relativePath string
		expected     string
	}{
		{
			name:         "simple path",
			sourceID:     "src-1",
			relativePath: "kicks/deep.wav",
			expected:     "src-1::kicks/deep.wav",
		},
		{
			name:         "path is cleaned",
			sourceID:     "src-1",
			relativePath: "kicks/./deep.wav",
			expected:     "src-1::kicks/deep.wav",
		},
		{
			name:         "root-level file",
			sourceID:     "src-2",
			relativePath: "loop.flac",
			expected:     "src-2::loop.flac",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildSampleID(tt.sourceID, tt.relativePath))
		})
	}
}

func TestParseSampleID(t *testing.T) {
	tests := []struct {
		name         string
		sampleID     string
		wantSource   SourceID
		wantRelative string
		wantErr      bool
	}{
		{
			name:         "valid",
			sampleID:     "src-1::kicks/deep.wav",
			wantSource:   "src-1",
			wantRelative: "kicks/deep.wav",
		},
		{
			name:         "separator inside relative path stays intact",
			sampleID:     "src-1::weird::name.wav",
			wantSource:   "src-1",
			wantRelative: "weird::name.wav",
		},
		{
			name:     "missing separator",
			sampleID: "no-separator-here.wav",
			wantErr:  true,
		},
		{
			name:     "empty source id",
			sampleID: "::deep.wav",
			wantErr:  true,
		},
		{
			name:     "empty relative path",
			sampleID: "src-1::",
			wantErr:  true,
		},
		{
			name:     "empty string",
			sampleID: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sourceID, relative, err := ParseSampleID(tt.sampleID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, sourceID)
			assert.Equal(t, tt.wantRelative, relative)
		})
	}
}

func TestSampleIDRoundTrip(t *testing.T) {
	id := NewSourceID()
	sampleID := BuildSampleID(id, "snares/tight 01.aif")

	gotSource, gotRelative, err := ParseSampleID(sampleID)
	require.NoError(t, err)
	assert.Equal(t, id, gotSource)
	assert.Equal(t, "snares/tight 01.aif", gotRelative)
}
