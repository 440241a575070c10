// Package domain contains the core data types shared across the ingestion and
// query pipelines. These are plain data structures with little behavior, the
// "nouns" of the application.
package domain

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// IngestionRecord tracks one submitted URL through the ingestion state machine.
// There is at most one record per URL.
type IngestionRecord struct {
	ID  uint   `gorm:"primaryKey" json:"id"`
	URL string `gorm:"uniqueIndex;not null" json:"url"`

	Status Status `gorm:"type:varchar(16);index;not null;default:pending" json:"status"`

	// ContentHash is the hex digest of the last successfully indexed content.
	// It is only non-nil while Status is completed.
	ContentHash *string `json:"content_hash"`

	// ErrorMessage holds the failure reason while Status is failed.
	ErrorMessage *string `gorm:"type:text" json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name shared with existing deployments.
func (IngestionRecord) TableName() string { return "url_ingestions" }

// StoredHash returns the content hash or "" when none is stored.
func (r *IngestionRecord) StoredHash() string {
	if r == nil || r.ContentHash == nil {
		return ""
	}
	return *r.ContentHash
}

// FetchStrategy names the tier that produced a RawContent.
type FetchStrategy string

const (
	StrategyCache  FetchStrategy = "cache"
	StrategyStatic FetchStrategy = "static"
	StrategyRender FetchStrategy = "render"
)

// RawContent is the ephemeral result of fetching a URL.
type RawContent struct {
	URL         string
	Text        string
	ContentHash string
	FromCache   bool

	// ContentChanged is true when ContentHash differs from the previously
	// known hash (stored on the record, or cached).
	ContentChanged bool

	Strategy FetchStrategy
}

// ChunkMetadata is stored alongside each chunk in the vector index.
type ChunkMetadata struct {
	TotalChunks int `json:"total_chunks"`
	ChunkLength int `json:"chunk_length"`
}

// Chunk is a bounded text segment of a document, the unit that gets embedded
// and retrieved. Chunks are never mutated after creation.
type Chunk struct {
	Content    string        `json:"content"`
	SourceURL  string        `json:"source_url"`
	ChunkIndex int           `json:"chunk_index"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// IndexedPoint is what gets written to the vector index.
type IndexedPoint struct {
	ID     string
	Vector []float32
	Chunk  Chunk
}

// NewIndexedPoint derives the point identity from the chunk content, so the
// same text always lands on the same point.
func NewIndexedPoint(c Chunk, vector []float32) IndexedPoint {
	return IndexedPoint{ID: PointID(c.Content), Vector: vector, Chunk: c}
}

// SearchHit is one nearest-neighbor result, ordered by descending Score.
type SearchHit struct {
	Content    string        `json:"content"`
	URL        string        `json:"url"`
	ChunkIndex int           `json:"chunk_index"`
	Score      float64       `json:"score"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// ContentHash returns the hex MD5 digest of text.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// PointID returns MD5(text) rendered as a UUID, the id form the vector index accepts.
func PointID(text string) string {
	sum := md5.Sum([]byte(text))
	id, _ := uuid.FromBytes(sum[:])
	return id.String()
}

// ContentCacheKey is prefix + MD5(url).
func ContentCacheKey(prefix, url string) string {
	return prefix + ContentHash(url)
}

// EmbeddingCacheKey is prefix + SHA-256(text).
func EmbeddingCacheKey(prefix, text string) string {
	sum := sha256.Sum256([]byte(text))
	return prefix + hex.EncodeToString(sum[:])
}
