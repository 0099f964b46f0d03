package cloudrun

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vitrina/tiendabot/backend"
)

type step struct {
	status  int
	body    string
	err     error
	bodyErr error
}

type failingBody struct{ err error }

func (b failingBody) Read(p []byte) (int, error) { return 0, b.err }
func (b failingBody) Close() error               { return nil }

// scriptedTransport replays a fixed sequence of responses and records
// every request it saw.
type scriptedTransport struct {
	mu     sync.Mutex
	steps  []step
	reqs   []*http.Request
	bodies [][]byte
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	s.reqs = append(s.reqs, req)
	s.bodies = append(s.bodies, body)

	if len(s.steps) == 0 {
		return nil, errors.New("scripted transport exhausted")
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.err != nil {
		return nil, st.err
	}
	responseBody := io.ReadCloser(io.NopCloser(strings.NewReader(st.body)))
	if st.bodyErr != nil {
		responseBody = failingBody{err: st.bodyErr}
	}
	return &http.Response{
		StatusCode: st.status,
		Body:       responseBody,
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type staticFetcher string

func (f staticFetcher) Fetch(ctx context.Context, audience string) (string, error) {
	return string(f), nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Jitter:     0.5,
	}
}

func newTestClient(steps []step) (*Client, *scriptedTransport, *atomic.Int32) {
	tr := &scriptedTransport{steps: steps}
	var builds atomic.Int32
	c := New(Config{
		NLPURL: "https://nlp.test",
		ASRURL: "https://asr.test",
		OCRURL: "https://ocr.test",
		MCPURL: "https://mcp.test",
		Retry:  fastRetry(),
	},
		WithTokenFetcher(staticFetcher("test-token")),
		WithHTTPClientBuilder(func() *http.Client {
			builds.Add(1)
			return &http.Client{Transport: tr}
		}),
	)
	return c, tr, &builds
}

const nlpOK = `{"response":"hola","model":"gemini-2.0-flash","input_length":4,"output_length":4}`

func TestUnderstandTextRetriesTransientFailures(t *testing.T) {
	c, tr, builds := newTestClient([]step{
		{err: errors.New("connection reset by peer")},
		{err: errors.New("write: broken pipe")},
		{status: 503, body: "unavailable"},
		{status: 200, body: nlpOK},
	})

	res, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"})
	if err != nil {
		t.Fatalf("UnderstandText: %v", err)
	}
	if res.Response != "hola" {
		t.Fatalf("unexpected response: %q", res.Response)
	}
	if got := tr.calls(); got != 4 {
		t.Fatalf("expected 4 attempts (3 retries), got %d", got)
	}
	// Each network error resets the pool, so the client was rebuilt
	// twice after the initial build.
	if got := builds.Load(); got != 3 {
		t.Fatalf("expected 3 client builds, got %d", got)
	}
}

func TestUnderstandTextNoRetryOn4xx(t *testing.T) {
	c, tr, _ := newTestClient([]step{
		{status: 400, body: `{"detail":"bad request"}`},
	})

	_, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"})
	var upstream *backend.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != 400 {
		t.Fatalf("unexpected status: %d", upstream.Status)
	}
	if got := tr.calls(); got != 1 {
		t.Fatalf("expected zero retries for 400, got %d attempts", got)
	}
}

func TestUnderstandTextNoRetryOn501(t *testing.T) {
	c, tr, _ := newTestClient([]step{
		{status: 501, body: "not implemented"},
	})

	_, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"})
	var upstream *backend.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != 501 {
		t.Fatalf("unexpected status: %d", upstream.Status)
	}
	if got := tr.calls(); got != 1 {
		t.Fatalf("expected zero retries for 501, got %d attempts", got)
	}
}

func TestUnderstandTextPersistent5xx(t *testing.T) {
	c, tr, _ := newTestClient([]step{
		{status: 503, body: "a"},
		{status: 503, body: "b"},
		{status: 503, body: "c"},
		{status: 503, body: "last"},
	})

	_, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"})
	var upstream *backend.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != 503 || upstream.Body != "last" {
		t.Fatalf("expected the final response to surface, got %d %q", upstream.Status, upstream.Body)
	}
	if got := tr.calls(); got != 4 {
		t.Fatalf("expected retries exhausted at 4 attempts, got %d", got)
	}
}

func TestUnderstandTextPersistentNetworkError(t *testing.T) {
	reset := errors.New("connection reset by peer")
	c, tr, builds := newTestClient([]step{
		{err: reset}, {err: reset}, {err: reset}, {err: reset},
	})

	_, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"})
	var transient *backend.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if transient.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", transient.Attempts)
	}
	if got := tr.calls(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	// The pool is discarded after the final failure too, so the next
	// call would start on a fresh client.
	if got := builds.Load(); got != 4 {
		t.Fatalf("expected 4 client builds, got %d", got)
	}
}

func TestUnderstandTextMissingResponseField(t *testing.T) {
	c, _, _ := newTestClient([]step{
		{status: 200, body: `{"model":"gemini-2.0-flash"}`},
	})

	_, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"})
	var decodeErr *backend.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestUnderstandTextRejectsOversizedText(t *testing.T) {
	c, tr, _ := newTestClient(nil)
	_, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: strings.Repeat("a", backend.MaxTextLength+1)})
	if err == nil {
		t.Fatalf("expected length error")
	}
	if got := tr.calls(); got != 0 {
		t.Fatalf("oversized text must not reach the network, got %d calls", got)
	}
}

func TestRequestHeaders(t *testing.T) {
	c, tr, _ := newTestClient([]step{{status: 200, body: nlpOK}})

	if _, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"}); err != nil {
		t.Fatalf("UnderstandText: %v", err)
	}
	req := tr.reqs[0]
	if got := req.Header.Get("Authorization"); got != "Bearer test-token" {
		t.Fatalf("unexpected Authorization header: %q", got)
	}
	if req.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing X-Request-Id header")
	}
	if req.URL.String() != "https://nlp.test/api/v1/process" {
		t.Fatalf("unexpected URL: %s", req.URL)
	}
}

func TestTranscribeAudioLowConfidence(t *testing.T) {
	c, _, _ := newTestClient([]step{
		{status: 200, body: `{"success":false,"error_code":"low_confidence","data":{"transcription":"","confidence":0.31,"language":"es"}}`},
	})

	tr, err := c.TranscribeAudio(context.Background(), []byte("ogg"), "voice.ogg")
	if err != nil {
		t.Fatalf("low confidence is an outcome, not an error: %v", err)
	}
	if !tr.LowConfidence {
		t.Fatalf("expected LowConfidence to be set")
	}
	if tr.Confidence != 0.31 || tr.Language != "es" {
		t.Fatalf("unexpected transcription details: %+v", tr)
	}
}

func TestTranscribeAudioFailureCode(t *testing.T) {
	c, _, _ := newTestClient([]step{
		{status: 200, body: `{"success":false,"error_code":"audio_too_long"}`},
	})

	_, err := c.TranscribeAudio(context.Background(), []byte("ogg"), "voice.ogg")
	var upstream *backend.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError for non-low-confidence failure, got %v", err)
	}
	if !strings.Contains(upstream.Body, "audio_too_long") {
		t.Fatalf("expected error code in body, got %q", upstream.Body)
	}
}

func TestTranscribeAudioMultipartForm(t *testing.T) {
	c, tr, _ := newTestClient([]step{
		{status: 200, body: `{"success":true,"data":{"transcription":"hola mundo","confidence":0.97,"language":"es"}}`},
	})

	out, err := c.TranscribeAudio(context.Background(), []byte("fake-ogg"), "voice.ogg")
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if out.Text != "hola mundo" {
		t.Fatalf("unexpected transcript: %q", out.Text)
	}

	req := tr.reqs[0]
	_, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	form, err := multipart.NewReader(strings.NewReader(string(tr.bodies[0])), params["boundary"]).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("parse multipart: %v", err)
	}
	if got := form.Value["client_id"]; len(got) != 1 || got[0] != "telegram-bot" {
		t.Fatalf("unexpected client_id: %v", got)
	}
	if got := form.Value["quality_preference"]; len(got) != 1 || got[0] != "balanced" {
		t.Fatalf("unexpected quality_preference: %v", got)
	}
	files := form.File["audio_file"]
	if len(files) != 1 || files[0].Filename != "voice.ogg" {
		t.Fatalf("unexpected audio_file part: %v", files)
	}
}

func TestAnalyzeImageDecodesClassification(t *testing.T) {
	c, tr, _ := newTestClient([]step{
		{status: 200, body: `{"result":"keyboard","classification":{"predicted_type":"object","confidence":0.92},"image_embedding":[0.1,0.2],"image_description":"black keyboard"}`},
	})

	out, err := c.AnalyzeImage(context.Background(), []byte("jpg"), "photo.jpg", "image/jpeg", "")
	if err != nil {
		t.Fatalf("AnalyzeImage: %v", err)
	}
	if out.Classification.PredictedType != "object" || out.IsDocument() {
		t.Fatalf("unexpected classification: %+v", out.Classification)
	}
	if out.ExtractedText != "keyboard" || out.Description != "black keyboard" {
		t.Fatalf("unexpected analysis: %+v", out)
	}
	if len(out.Embedding) != 2 {
		t.Fatalf("unexpected embedding: %v", out.Embedding)
	}
	if got := tr.reqs[0].URL.String(); got != "https://ocr.test/analyze/upload" {
		t.Fatalf("unexpected URL: %s", got)
	}
}

func TestAnalyzeImageMissingClassification(t *testing.T) {
	c, _, _ := newTestClient([]step{
		{status: 200, body: `{"result":"keyboard"}`},
	})

	_, err := c.AnalyzeImage(context.Background(), []byte("jpg"), "photo.jpg", "image/jpeg", "")
	var decodeErr *backend.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestSearchByEmbedding(t *testing.T) {
	c, tr, _ := newTestClient([]step{
		{status: 200, body: `{"found":true,"count":1,"products":[{"sku":"TECH-001","name":"Keyboard","similarity":0.85}]}`},
	})

	embedding := make([]float64, backend.EmbeddingDim)
	out, err := c.SearchByEmbedding(context.Background(), embedding, 5, 0.5)
	if err != nil {
		t.Fatalf("SearchByEmbedding: %v", err)
	}
	if !out.Found || out.Count != 1 || len(out.Products) != 1 {
		t.Fatalf("unexpected result: %+v", out)
	}
	if out.Products[0].Similarity != 0.85 {
		t.Fatalf("unexpected similarity: %v", out.Products[0].Similarity)
	}
	if got := tr.reqs[0].URL.String(); got != "https://mcp.test/api/v1/image-search" {
		t.Fatalf("unexpected URL: %s", got)
	}
}

func TestSearchByEmbeddingRejectsWrongDimension(t *testing.T) {
	c, tr, _ := newTestClient(nil)
	_, err := c.SearchByEmbedding(context.Background(), []float64{0.1, 0.2}, 5, 0.5)
	if err == nil {
		t.Fatalf("expected dimension error")
	}
	if got := tr.calls(); got != 0 {
		t.Fatalf("bad embedding must not reach the network, got %d calls", got)
	}
}

func TestResponseBodyReadFailureNotTransient(t *testing.T) {
	readErr := errors.New("unexpected EOF")
	c, _, _ := newTestClient([]step{
		{status: 200, bodyErr: readErr},
	})

	_, err := c.UnderstandText(context.Background(), backend.NLPRequest{Text: "hola"})
	if err == nil {
		t.Fatalf("expected error from failed body read")
	}
	var transient *backend.TransientError
	if errors.As(err, &transient) {
		t.Fatalf("body read failure must not carry a retry attempt count: %v", err)
	}
	if !errors.Is(err, readErr) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	c, _, _ := newTestClient([]step{
		{err: errors.New("connection reset by peer")},
		{status: 200, body: nlpOK},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.UnderstandText(ctx, backend.NLPRequest{Text: "hola"})
	if err == nil {
		t.Fatalf("expected error from canceled context")
	}
	var transient *backend.TransientError
	if errors.As(err, &transient) {
		t.Fatalf("cancellation must not be classified as transient: %v", err)
	}
}
