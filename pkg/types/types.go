// Package types defines the shared types used across tonerag packages.
//
// These types are passed between providers, the document store, the vector
// index and the pipeline. Each package defines its own domain types; only data
// structures needed by more than one layer live here to avoid circular imports.
package types

import "time"

// Document is a unit of reference text stored in the document store and
// represented in the vector index by its embedding.
//
// A Document is treated as immutable once it has been indexed. Re-ingesting a
// document with the same ID replaces it wholesale.
type Document struct {
	// ID uniquely identifies the document across the store and the index.
	ID string

	// Text is the raw document content used as a reference example in prompts.
	Text string

	// Embedding is the dense vector representation of Text. Its length must
	// match the dimension of the index the document is inserted into.
	Embedding []float32

	// Metadata holds free-form attributes such as the originating "source" file.
	Metadata map[string]string

	// CreatedAt records when the document was first stored.
	CreatedAt time.Time
}

// Source returns the "source" metadata attribute, or the empty string.
func (d Document) Source() string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata["source"]
}

// ScoredDocument is a retrieved document with its similarity to the query.
// Higher scores are more similar.
type ScoredDocument struct {
	Document Document
	Score    float32
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsAdapters indicates the backend can overlay a named fine-tuned
	// adapter (for example a LoRA) on top of the base model per request.
	SupportsAdapters bool
}
