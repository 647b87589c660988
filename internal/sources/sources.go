package sources

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// SampleIDSeparator joins a source id and a relative path into a sample id.
const SampleIDSeparator = "::"

// SourceID identifies a library source (one top-level folder the user added).
type SourceID string

// NewSourceID mints a fresh source id.
func NewSourceID() SourceID {
	return SourceID(uuid.New().String())
}

func (id SourceID) String() string {
	return string(id)
}

// Source pairs a source id with the root folder it owns. Every source keeps
// its own job store under Root, so a source survives the root being renamed
// away and back.
type Source struct {
	ID   SourceID `json:"id"`
	Root string   `json:"root"`
}

// BuildSampleID composes the composite sample key "<source_id>::<relative_path>".
func BuildSampleID(sourceID SourceID, relativePath string) string {
	return string(sourceID) + SampleIDSeparator + path.Clean(relativePath)
}

// ParseSampleID splits a sample id into its source id and relative path.
// Both halves must be non-empty.
func ParseSampleID(sampleID string) (SourceID, string, error) {
	source, rel, found := strings.Cut(sampleID, SampleIDSeparator)
	if !found || source == "" || rel == "" {
		return "", "", fmt.Errorf("invalid sample id: %q", sampleID)
	}
	return SourceID(source), rel, nil
}
