// Package cloudrun implements the backend.Client contract against the
// four internal Cloud Run services, with IAM identity-token auth,
// pooled connections, and retry with exponential backoff.
package cloudrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vitrina/tiendabot/backend"
)

const maxLoggedBody = 2048

type Config struct {
	NLPURL string
	ASRURL string
	OCRURL string
	MCPURL string

	// ClientID tags multipart uploads so downstream services can
	// attribute traffic per channel.
	ClientID string

	TokenTTL time.Duration
	Retry    RetryConfig
}

type Client struct {
	cfg    Config
	logger *slog.Logger
	retry  RetryConfig
	tokens *tokenCache
	conns  *connManager
}

var _ backend.Client = (*Client)(nil)

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTokenFetcher replaces the Google identity-token fetcher.
func WithTokenFetcher(f TokenFetcher) Option {
	return func(c *Client) { c.tokens = newTokenCache(f, c.cfg.TokenTTL, c.logger) }
}

// WithHTTPClientBuilder replaces how the pooled client is built; the
// connection manager still owns lazy creation and reset.
func WithHTTPClientBuilder(build func() *http.Client) Option {
	return func(c *Client) { c.conns = newConnManager(build) }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "telegram-bot"
	}
	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		retry:  cfg.Retry.withDefaults(),
		conns:  newConnManager(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = newTokenCache(GoogleTokenFetcher{}, cfg.TokenTTL, c.logger)
	}
	return c
}

// request is a fully materialized, replayable HTTP request. The body
// is a byte slice so every retry attempt sends identical bytes.
type request struct {
	service     string
	method      string
	url         string
	audience    string
	contentType string
	body        []byte
}

// do issues req through the retry policy. Network-level errors and
// 5xx (except 501) are retried with backoff; on a network error the
// pooled connection is reset before the next attempt. A response,
// whatever its status, is returned for the caller to interpret.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	token, err := c.tokens.Token(ctx, req.audience)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bytes.NewReader(req.body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("X-Request-Id", uuid.NewString())
		if req.contentType != "" {
			httpReq.Header.Set("Content-Type", req.contentType)
		}

		resp, err := c.conns.get().Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.conns.reset()
			if attempt >= c.retry.MaxRetries {
				c.logger.Error("request_failed", "service", req.service, "attempts", attempt+1, "error", err.Error())
				return nil, &backend.TransientError{Attempts: attempt + 1, Err: lastErr}
			}
			delay := c.retry.backoff(attempt)
			c.logger.Warn("request_retry", "service", req.service, "attempt", attempt+1,
				"max", c.retry.MaxRetries, "delay", delay.String(), "error", truncate(err.Error(), 100))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < c.retry.MaxRetries {
			drain(resp)
			delay := c.retry.backoff(attempt)
			c.logger.Warn("request_retry", "service", req.service, "attempt", attempt+1,
				"max", c.retry.MaxRetries, "delay", delay.String(), "status", resp.StatusCode)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}
}

// call runs do and converts the response into decoded JSON, mapping
// non-2xx statuses to *backend.UpstreamError.
func (c *Client) call(ctx context.Context, req request, out any) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", req.service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &backend.UpstreamError{
			Service: req.service,
			Status:  resp.StatusCode,
			Body:    truncate(string(raw), maxLoggedBody),
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &backend.DecodeError{Service: req.service, Err: err}
	}
	return nil
}

type nlpResponse struct {
	Response     *string `json:"response"`
	Model        string  `json:"model"`
	InputLength  int     `json:"input_length"`
	OutputLength int     `json:"output_length"`
}

func (c *Client) UnderstandText(ctx context.Context, req backend.NLPRequest) (backend.NLPResult, error) {
	if req.Text == "" {
		return backend.NLPResult{}, fmt.Errorf("nlp: empty text")
	}
	if len(req.Text) > backend.MaxTextLength {
		return backend.NLPResult{}, fmt.Errorf("nlp: text exceeds %d characters", backend.MaxTextLength)
	}

	payload := map[string]any{"text": req.Text}
	if req.ConversationID != "" {
		payload["conversation_id"] = req.ConversationID
	}
	if req.User != nil {
		payload["user"] = req.User
	}
	if req.DetectedLanguage != "" {
		payload["detected_language"] = req.DetectedLanguage
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return backend.NLPResult{}, err
	}

	c.logger.Info("nlp_call", "chars", len(req.Text), "conversation_id", req.ConversationID,
		"detected_language", req.DetectedLanguage)
	start := time.Now()

	var out nlpResponse
	if err := c.call(ctx, request{
		service:     "nlp",
		method:      http.MethodPost,
		url:         c.cfg.NLPURL + "/api/v1/process",
		audience:    c.cfg.NLPURL,
		contentType: "application/json",
		body:        body,
	}, &out); err != nil {
		return backend.NLPResult{}, err
	}
	if out.Response == nil {
		return backend.NLPResult{}, &backend.DecodeError{Service: "nlp", Err: fmt.Errorf("missing response field")}
	}

	elapsed := time.Since(start)
	c.logger.Info("nlp_ok", "output_length", out.OutputLength, "model", out.Model,
		"elapsed_ms", elapsed.Milliseconds())
	return backend.NLPResult{
		Response:     *out.Response,
		Model:        out.Model,
		InputLength:  out.InputLength,
		OutputLength: out.OutputLength,
		Duration:     elapsed,
	}, nil
}

type asrResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Transcription string  `json:"transcription"`
		Confidence    float64 `json:"confidence"`
		Language      string  `json:"language"`
	} `json:"data"`
	ErrorCode string `json:"error_code"`
}

// asrLowConfidence is the distinguished outcome the ASR service
// reports when audio was too noisy or unclear to transcribe reliably.
const asrLowConfidence = "low_confidence"

func (c *Client) TranscribeAudio(ctx context.Context, audio []byte, filename string) (backend.Transcription, error) {
	body, contentType, err := multipartBody(
		filePart{field: "audio_file", filename: filename, mimeType: "audio/ogg", data: audio},
		map[string]string{
			"client_id":          c.cfg.ClientID,
			"quality_preference": "balanced",
		},
	)
	if err != nil {
		return backend.Transcription{}, err
	}

	c.logger.Info("asr_call", "filename", filename, "bytes", len(audio))
	start := time.Now()

	var out asrResponse
	if err := c.call(ctx, request{
		service:     "asr",
		method:      http.MethodPost,
		url:         c.cfg.ASRURL + "/transcribe",
		audience:    c.cfg.ASRURL,
		contentType: contentType,
		body:        body,
	}, &out); err != nil {
		return backend.Transcription{}, err
	}

	if !out.Success {
		if out.ErrorCode == asrLowConfidence {
			c.logger.Info("asr_low_confidence", "confidence", out.Data.Confidence)
			return backend.Transcription{
				Confidence:    out.Data.Confidence,
				Language:      out.Data.Language,
				LowConfidence: true,
			}, nil
		}
		return backend.Transcription{}, &backend.UpstreamError{
			Service: "asr",
			Status:  http.StatusOK,
			Body:    fmt.Sprintf("error_code=%s", out.ErrorCode),
		}
	}

	c.logger.Info("asr_ok", "transcript", truncate(out.Data.Transcription, 50),
		"language", out.Data.Language, "elapsed_ms", time.Since(start).Milliseconds())
	return backend.Transcription{
		Text:       out.Data.Transcription,
		Confidence: out.Data.Confidence,
		Language:   out.Data.Language,
	}, nil
}

type analyzeResponse struct {
	Result         string                  `json:"result"`
	Classification *backend.Classification `json:"classification"`
	ImageEmbedding []float64               `json:"image_embedding"`
	Description    string                  `json:"image_description"`
}

func (c *Client) AnalyzeImage(ctx context.Context, image []byte, filename, mimeType, clientID string) (backend.ImageAnalysis, error) {
	if clientID == "" {
		clientID = c.cfg.ClientID
	}
	body, contentType, err := multipartBody(
		filePart{field: "file", filename: filename, mimeType: mimeType, data: image},
		map[string]string{
			"client_id": clientID,
			"mode":      "auto",
		},
	)
	if err != nil {
		return backend.ImageAnalysis{}, err
	}

	c.logger.Info("analyze_call", "filename", filename, "bytes", len(image))
	start := time.Now()

	var out analyzeResponse
	if err := c.call(ctx, request{
		service:     "analyze",
		method:      http.MethodPost,
		url:         c.cfg.OCRURL + "/analyze/upload",
		audience:    c.cfg.OCRURL,
		contentType: contentType,
		body:        body,
	}, &out); err != nil {
		return backend.ImageAnalysis{}, err
	}
	if out.Classification == nil || out.Classification.PredictedType == "" {
		return backend.ImageAnalysis{}, &backend.DecodeError{Service: "analyze", Err: fmt.Errorf("missing classification")}
	}

	elapsed := time.Since(start)
	c.logger.Info("analyze_ok", "predicted_type", out.Classification.PredictedType,
		"confidence", out.Classification.Confidence, "has_embedding", len(out.ImageEmbedding) > 0,
		"elapsed_ms", elapsed.Milliseconds())
	return backend.ImageAnalysis{
		Classification: *out.Classification,
		ExtractedText:  out.Result,
		Embedding:      out.ImageEmbedding,
		Description:    out.Description,
		Duration:       elapsed,
	}, nil
}

type searchResponse struct {
	Found    *bool             `json:"found"`
	Count    int               `json:"count"`
	Products []backend.Product `json:"products"`
}

func (c *Client) SearchByEmbedding(ctx context.Context, embedding []float64, limit int, maxDistance float64) (backend.ProductSearchResult, error) {
	if len(embedding) != backend.EmbeddingDim {
		return backend.ProductSearchResult{}, fmt.Errorf("search: embedding has %d dimensions, want %d", len(embedding), backend.EmbeddingDim)
	}
	body, err := json.Marshal(map[string]any{
		"embedding":    embedding,
		"limit":        limit,
		"max_distance": maxDistance,
	})
	if err != nil {
		return backend.ProductSearchResult{}, err
	}

	c.logger.Info("search_call", "limit", limit, "max_distance", maxDistance)
	start := time.Now()

	var out searchResponse
	if err := c.call(ctx, request{
		service:     "search",
		method:      http.MethodPost,
		url:         c.cfg.MCPURL + "/api/v1/image-search",
		audience:    c.cfg.MCPURL,
		contentType: "application/json",
		body:        body,
	}, &out); err != nil {
		return backend.ProductSearchResult{}, err
	}
	if out.Found == nil {
		return backend.ProductSearchResult{}, &backend.DecodeError{Service: "search", Err: fmt.Errorf("missing found field")}
	}

	elapsed := time.Since(start)
	c.logger.Info("search_ok", "found", *out.Found, "count", out.Count, "elapsed_ms", elapsed.Milliseconds())
	return backend.ProductSearchResult{
		Found:    *out.Found,
		Count:    out.Count,
		Products: out.Products,
		Duration: elapsed,
	}, nil
}

// Warmup prefetches tokens and probes each service's health endpoint
// so the first user request does not pay cold-start latency. Probe
// failures are logged and swallowed; warmup is best-effort.
func (c *Client) Warmup(ctx context.Context) {
	type target struct {
		name string
		base string
		path string
	}
	targets := []target{
		{name: "nlp", base: c.cfg.NLPURL, path: "/api/v1/health"},
		{name: "asr", base: c.cfg.ASRURL, path: "/health"},
		{name: "analyze", base: c.cfg.OCRURL, path: "/health"},
		{name: "search", base: c.cfg.MCPURL, path: "/health"},
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		if t.base == "" {
			continue
		}
		g.Go(func() error {
			token, err := c.tokens.Token(ctx, t.base)
			if err != nil {
				c.logger.Warn("warmup_failed", "service", t.name, "error", err.Error())
				return nil
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+t.path, nil)
			if err != nil {
				return nil
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := c.conns.get().Do(req)
			if err != nil {
				c.logger.Warn("warmup_failed", "service", t.name, "error", err.Error())
				return nil
			}
			drain(resp)
			c.logger.Info("warmup_ok", "service", t.name, "status", resp.StatusCode)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Info("warmup_done", "elapsed_ms", time.Since(start).Milliseconds())
}

// Close releases the pooled connections.
func (c *Client) Close() {
	c.conns.reset()
}

type filePart struct {
	field    string
	filename string
	mimeType string
	data     []byte
}

// multipartBody builds a replayable multipart form with one file part
// plus plain fields, returning the encoded body and content type.
func multipartBody(file filePart, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, file.filename))
	h.Set("Content-Type", file.mimeType)
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(file.data); err != nil {
		return nil, "", err
	}

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
