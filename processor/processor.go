// Package processor routes inbound chat messages to the downstream
// services and assembles one Result per message. Photos go through a
// priority-ordered decision flow; voice is transcribed and then
// understood as text.
package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vitrina/tiendabot/backend"
	"github.com/vitrina/tiendabot/productcache"
)

// DefaultExactMatchThreshold separates an exact product match from a
// merely similar one. Similarity is higher-is-better in [0,1].
const DefaultExactMatchThreshold = 0.80

const (
	defaultSearchLimit       = 5
	defaultSearchMaxDistance = 0.5
)

// Generic fallback texts. The rendering layer maps these states to
// localized user-facing messages; these are what callers see when they
// skip that mapping.
const (
	replyNLPFailed      = "Sorry, something went wrong while processing your message. Please try again."
	replyASRFailed      = "I couldn't transcribe the audio. Please try again."
	replyLowConfidence  = "I couldn't clearly understand the audio. Please speak more slowly and clearly, or reduce background noise."
	replyImageFailed    = "I couldn't process the image. Please try again."
	replyDownloadFailed = "I couldn't download the file. Please try again."
	replyEmptyText      = "I didn't receive any text to process."
	replyEmptyAudio     = "I couldn't get the audio from the message."
	replyEmptyImage     = "I received your image, but I couldn't find anything in it to work with."
	replyExactMatch     = "I found it! This looks like exactly what you're searching for:"
	replyUnsupported    = "This content type isn't supported yet. Please send text, audio, or a photo."
)

// FileDownloader fetches the raw bytes of a platform file (voice note,
// photo) referenced by its file id.
type FileDownloader interface {
	Download(ctx context.Context, fileID string) ([]byte, error)
}

type Config struct {
	ExactMatchThreshold float64
	SearchLimit         int
	SearchMaxDistance   float64
}

func (c Config) withDefaults() Config {
	if c.ExactMatchThreshold <= 0 {
		c.ExactMatchThreshold = DefaultExactMatchThreshold
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = defaultSearchLimit
	}
	if c.SearchMaxDistance <= 0 {
		c.SearchMaxDistance = defaultSearchMaxDistance
	}
	return c
}

type Processor struct {
	client backend.Client
	files  FileDownloader
	cache  *productcache.Cache
	logger *slog.Logger
	cfg    Config
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithFileDownloader enables voice and photo processing; without one,
// file-bearing messages fail with a download error.
func WithFileDownloader(d FileDownloader) Option {
	return func(p *Processor) { p.files = d }
}

// WithProductCache stores photo search results per chat for later
// pagination.
func WithProductCache(cache *productcache.Cache) Option {
	return func(p *Processor) { p.cache = cache }
}

func New(client backend.Client, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		client: client,
		logger: slog.Default(),
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessMessage classifies msg and routes it to the matching flow.
func (p *Processor) ProcessMessage(ctx context.Context, msg Message) Result {
	inputType := Classify(msg)
	p.logger.Info("message_received", "input_type", string(inputType), "chat_id", msg.ChatID)

	switch inputType {
	case InputText:
		return p.ProcessText(ctx, msg.Text, textOptions(msg))
	case InputVoice:
		return p.processAudio(ctx, msg, msg.VoiceFileID)
	case InputAudio:
		return p.processAudio(ctx, msg, msg.AudioFileID)
	case InputPhoto:
		return p.processPhoto(ctx, msg)
	case InputCommand:
		// Commands are answered by command handlers, not here.
		return Result{Status: StatusSuccess, InputType: InputCommand}
	default:
		return Result{Status: StatusUnsupported, Response: replyUnsupported, InputType: inputType}
	}
}

// TextOptions carries the conversational context forwarded to the NLP
// service alongside the text itself.
type TextOptions struct {
	ConversationID   string
	User             *backend.UserMeta
	DetectedLanguage string
}

func textOptions(msg Message) TextOptions {
	opts := TextOptions{
		ConversationID:   msg.ConversationID,
		DetectedLanguage: msg.LanguageCode,
	}
	if msg.FromExternalID != "" {
		opts.User = &backend.UserMeta{
			Channel:      "telegram",
			ExternalID:   msg.FromExternalID,
			FirstName:    msg.FromFirstName,
			LastName:     msg.FromLastName,
			Username:     msg.FromUsername,
			LanguageCode: msg.LanguageCode,
		}
	}
	return opts
}

// ProcessText sends text through the NLP service.
func (p *Processor) ProcessText(ctx context.Context, text string, opts TextOptions) Result {
	if text == "" {
		return Result{Status: StatusNoContent, Response: replyEmptyText, InputType: InputText}
	}

	res, err := p.client.UnderstandText(ctx, backend.NLPRequest{
		Text:             text,
		ConversationID:   opts.ConversationID,
		User:             opts.User,
		DetectedLanguage: opts.DetectedLanguage,
	})
	if err != nil {
		p.logger.Error("nlp_failed", "error", err.Error())
		return errorResult(InputText, replyNLPFailed, err)
	}

	return Result{
		Status:    StatusSuccess,
		Response:  res.Response,
		InputType: InputText,
		Raw:       map[string]any{"nlp": res},
	}
}

func (p *Processor) processAudio(ctx context.Context, msg Message, fileID string) Result {
	const inputType = InputVoice
	if fileID == "" {
		return Result{Status: StatusNoContent, Response: replyEmptyAudio, InputType: inputType}
	}
	if p.files == nil {
		return errorResult(inputType, replyDownloadFailed, fmt.Errorf("no file downloader configured"))
	}

	audio, err := p.files.Download(ctx, fileID)
	if err != nil {
		p.logger.Error("audio_download_failed", "error", err.Error())
		return errorResult(inputType, replyDownloadFailed, err)
	}

	tr, err := p.client.TranscribeAudio(ctx, audio, "voice.ogg")
	if err != nil {
		p.logger.Error("asr_failed", "error", err.Error())
		return errorResult(inputType, replyASRFailed, err)
	}
	if tr.LowConfidence {
		return Result{
			Status:    StatusError,
			Response:  replyLowConfidence,
			InputType: inputType,
			Err:       "low_confidence",
			Raw:       map[string]any{"asr_low_confidence": true, "asr": tr},
		}
	}
	if tr.Text == "" {
		return errorResult(inputType, replyASRFailed, fmt.Errorf("empty transcription"))
	}

	opts := textOptions(msg)
	if tr.Language != "" {
		// ASR's detection beats the profile language.
		opts.DetectedLanguage = tr.Language
	}
	res := p.ProcessText(ctx, tr.Text, opts)
	res.InputType = inputType
	if res.Raw == nil {
		res.Raw = map[string]any{}
	}
	res.Raw["asr"] = tr
	res.Raw["transcribed_text"] = tr.Text
	return res
}
