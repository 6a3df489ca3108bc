package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the external embedding model could not be
// reached or returned an unusable vector. The gateway never retries; callers
// own the retry policy.
var ErrUnavailable = errors.New("embedding model unavailable")

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	// EmbedOne embeds a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// EmbedMany embeds a batch in one upstream call. The output order
	// matches the input order, one vector per input, none dropped.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector width every embedding must have.
	Dimensions() int
}
