package backend

import (
	"context"
	"time"
)

// MaxTextLength is the largest text payload the NLP service accepts.
const MaxTextLength = 32000

// EmbeddingDim is the dimensionality of image embeddings produced by
// the analyze service and consumed by product search.
const EmbeddingDim = 1536

// UserMeta identifies the end user behind a request so downstream
// services can keep per-user context.
type UserMeta struct {
	Channel      string `json:"channel"`
	ExternalID   string `json:"external_id"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type NLPRequest struct {
	Text             string
	ConversationID   string
	User             *UserMeta
	DetectedLanguage string
}

type NLPResult struct {
	Response     string
	Model        string
	InputLength  int
	OutputLength int
	Duration     time.Duration
}

// Transcription is a tagged result: LowConfidence marks audio the ASR
// service understood poorly. It is an outcome, not an error, so the
// caller can show an actionable message instead of a generic failure.
type Transcription struct {
	Text          string
	Confidence    float64
	Language      string
	LowConfidence bool
}

type Classification struct {
	PredictedType string  `json:"predicted_type"`
	Confidence    float64 `json:"confidence"`
}

// ImageAnalysis is the decoded response of the analyze service, which
// auto-routes between document text extraction and object detection.
type ImageAnalysis struct {
	Classification Classification
	ExtractedText  string
	Embedding      []float64
	Description    string
	Duration       time.Duration
}

// IsDocument reports whether the image was classified as a document.
func (a ImageAnalysis) IsDocument() bool {
	return a.Classification.PredictedType == "document"
}

// Product is one embedding-search hit. Similarity is normalized so
// that higher is better, in [0,1]; it is never a raw distance.
type Product struct {
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Brand       string  `json:"brand,omitempty"`
	Price       float64 `json:"price,omitempty"`
	ImageURL    string  `json:"image_url,omitempty"`
	Similarity  float64 `json:"similarity"`
}

type ProductSearchResult struct {
	Found    bool
	Count    int
	Products []Product
	Duration time.Duration
}

// Client is the contract the message processor depends on. The
// production implementation lives in providers/cloudrun.
type Client interface {
	UnderstandText(ctx context.Context, req NLPRequest) (NLPResult, error)
	TranscribeAudio(ctx context.Context, audio []byte, filename string) (Transcription, error)
	AnalyzeImage(ctx context.Context, image []byte, filename, mimeType, clientID string) (ImageAnalysis, error)
	SearchByEmbedding(ctx context.Context, embedding []float64, limit int, maxDistance float64) (ProductSearchResult, error)
}
