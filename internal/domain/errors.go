package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the pipelines and their callers.
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidURL = errors.New("invalid URL format")
	ErrEmptyQuery = errors.New("query cannot be empty")
)

// Stage identifies where in the ingestion pipeline an error happened.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageChunk  Stage = "chunk"
	StageEmbed  Stage = "embed"
	StageIndex  Stage = "index"
	StageAnswer Stage = "answer"
)

// PipelineError is the common shape of the typed pipeline errors below.
type PipelineError interface {
	error
	PipelineStage() Stage
}

// FetchError means neither fetch strategy produced usable text.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("Couldn't fetch content from %s: %v", e.URL, e.Err)
}
func (e *FetchError) Unwrap() error        { return e.Err }
func (e *FetchError) PipelineStage() Stage { return StageFetch }

// ChunkingError means no chunk survived the minimum length filter.
type ChunkingError struct {
	URL string
}

func (e *ChunkingError) Error() string        { return "No valid chunks created" }
func (e *ChunkingError) PipelineStage() Stage { return StageChunk }

// EmbeddingError means the embedding model could not be reached or answered
// with something unusable.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string        { return fmt.Sprintf("embedding failed: %v", e.Err) }
func (e *EmbeddingError) Unwrap() error        { return e.Err }
func (e *EmbeddingError) PipelineStage() Stage { return StageEmbed }

// IndexError means the vector index rejected a write.
type IndexError struct {
	Err error
}

func (e *IndexError) Error() string        { return fmt.Sprintf("vector index write failed: %v", e.Err) }
func (e *IndexError) Unwrap() error        { return e.Err }
func (e *IndexError) PipelineStage() Stage { return StageIndex }

// AnswerGenerationError is carried inside an answer result; it never aborts
// a pipeline.
type AnswerGenerationError struct {
	Err error
}

func (e *AnswerGenerationError) Error() string {
	return fmt.Sprintf("answer generation failed: %v", e.Err)
}
func (e *AnswerGenerationError) Unwrap() error        { return e.Err }
func (e *AnswerGenerationError) PipelineStage() Stage { return StageAnswer }

// StageOf returns the pipeline stage of err, or "" if err is not a pipeline error.
func StageOf(err error) Stage {
	var pe PipelineError
	if errors.As(err, &pe) {
		return pe.PipelineStage()
	}
	return ""
}
