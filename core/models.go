package core

import (
	"encoding/hex"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// Element is one unit of content returned by the remote processing service.
// It always carries a "text" field and a "metadata" map; after the embed stage
// the metadata holds the vector under "embedded". Elements are opaque: any
// other fields the service returns are preserved as-is.
type Element map[string]any

const (
	// ElementTextField holds the element's text.
	ElementTextField = "text"
	// ElementMetadataField holds the element's metadata map.
	ElementMetadataField = "metadata"
	// ElementIDField holds the service-assigned element identifier.
	ElementIDField = "element_id"
	// EmbeddingField is the metadata key carrying the embedding vector.
	EmbeddingField = "embedded"
	// RecordIDField is the metadata key carrying the source record identifier.
	RecordIDField = "record_id"
)

// Text returns the element's text or "" when absent.
func (e Element) Text() string {
	s, _ := e[ElementTextField].(string)
	return s
}

// Metadata returns the element's metadata map, or nil.
func (e Element) Metadata() map[string]any {
	m, _ := e[ElementMetadataField].(map[string]any)
	return m
}

// ID returns the element identifier, falling back to "id".
// Returns "" when neither is present.
func (e Element) ID() string {
	if id, ok := e[ElementIDField].(string); ok && id != "" {
		return id
	}
	if id, ok := e["id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// RecordID returns metadata.record_id or "".
func (e Element) RecordID() string {
	s, _ := e.Metadata()[RecordIDField].(string)
	return s
}

// Embedding returns the vector stored in metadata.embedded.
// The second return is false when the element has no usable embedding.
func (e Element) Embedding() ([]float32, bool) {
	raw, ok := e.Metadata()[EmbeddingField]
	if !ok || raw == nil {
		return nil, false
	}

	switch v := raw.(type) {
	case []float32:
		return v, len(v) > 0
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, len(out) > 0
	case []any:
		out := make([]float32, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, float32(f))
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}

// MetadataWithout returns a shallow copy of the metadata without key.
func (e Element) MetadataWithout(key string) map[string]any {
	src := e.Metadata()
	out := make(map[string]any, len(src))
	for k, v := range src {
		if k == key {
			continue
		}
		out[k] = v
	}
	return out
}

// StageCounts are the per-stage element counts reported by the remote service.
type StageCounts struct {
	OriginalElements int `json:"original_elements"`
	ChunkedElements  int `json:"chunked_elements"`
	EmbeddedElements int `json:"embedded_elements"`
}

// PipelineStats records what happened to a single file inside the remote
// service, together with the stage configuration that produced it.
// The configs are held as their remote representation so core stays free of
// stage-specific types.
type PipelineStats struct {
	StageCounts
	ParseConfig map[string]any
	ChunkConfig map[string]any
	EmbedConfig map[string]any
}

// WriteMetadata accompanies every destination write.
type WriteMetadata struct {
	FileName      string      `json:"file_name"`
	TotalElements int         `json:"total_elements"`
	ProcessedAt   string      `json:"processed_at"`
	Stats         StageCounts `json:"stats"`
	FileDigest    string      `json:"file_digest,omitempty"`
}

// NewWriteMetadata builds write metadata for a processed file.
func NewWriteMetadata(key string, elements []Element, stats *PipelineStats, content []byte, now time.Time) WriteMetadata {
	meta := WriteMetadata{
		FileName:      key,
		TotalElements: len(elements),
		ProcessedAt:   now.Format(time.RFC3339Nano),
		FileDigest:    Digest(content),
	}
	if stats != nil {
		meta.Stats = stats.StageCounts
	}
	return meta
}

// Digest returns the hex BLAKE2b-256 digest of content.
func Digest(content []byte) string {
	h, _ := blake2b.New(32, nil)
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// FileOutcome is the result of processing one source item.
type FileOutcome struct {
	Key      string
	State    FileState
	Err      error
	Stats    *PipelineStats
	Duration time.Duration
}

// Succeeded reports whether the file reached the Succeeded state.
func (o FileOutcome) Succeeded() bool {
	return o.State == StateSucceeded && o.Err == nil
}

// RunSummary aggregates outcomes across one batch run.
type RunSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Outcomes  []FileOutcome
}

// Record adds an outcome to the summary.
func (s *RunSummary) Record(outcome FileOutcome) {
	s.Outcomes = append(s.Outcomes, outcome)
	if outcome.Succeeded() {
		s.Succeeded++
	} else {
		s.Failed++
	}
}

// FailedKeys returns the keys of failed files in processing order.
func (s *RunSummary) FailedKeys() []string {
	var keys []string
	for _, o := range s.Outcomes {
		if !o.Succeeded() {
			keys = append(keys, o.Key)
		}
	}
	return keys
}
