package processor

import (
	"context"
	"fmt"

	"github.com/vitrina/tiendabot/backend"
)

// Raw["priority"] records which branch of the photo flow produced the
// result.
const (
	priorityDocumentOCR     = "document_ocr"
	priorityExactMatch      = "exact_match"
	prioritySimilarProducts = "text_with_similar_products"
	priorityText            = "text"
)

const documentPrompt = "Analyze the following text extracted from an image:\n\n%s"

func (p *Processor) processPhoto(ctx context.Context, msg Message) Result {
	if p.files == nil {
		return errorResult(InputPhoto, replyDownloadFailed, fmt.Errorf("no file downloader configured"))
	}
	image, err := p.files.Download(ctx, msg.PhotoFileID)
	if err != nil {
		p.logger.Error("photo_download_failed", "error", err.Error())
		return errorResult(InputPhoto, replyDownloadFailed, err)
	}
	return p.ProcessPhoto(ctx, image, "photo.jpg", "image/jpeg", msg)
}

// ProcessPhoto runs the photo decision flow, terminal at the first
// matching branch:
//
//  1. document with extracted text -> understand the text, no search
//  2. embedding with an exact product match -> product cards, no NLP
//  3. embedding with only similar products -> NLP on the detected
//     label, similar cards attached
//  4. descriptive text only -> NLP on the label, no cards
//  5. nothing extracted -> no-content reply
//
// A failed or empty product search never aborts the flow; it degrades
// to the label branch. Analyze and NLP failures do abort.
func (p *Processor) ProcessPhoto(ctx context.Context, image []byte, filename, mimeType string, msg Message) Result {
	analysis, err := p.client.AnalyzeImage(ctx, image, filename, mimeType, "")
	if err != nil {
		p.logger.Error("analyze_failed", "error", err.Error())
		return errorResult(InputPhoto, replyImageFailed, err)
	}

	if analysis.IsDocument() && analysis.ExtractedText != "" {
		return p.photoDocument(ctx, msg, analysis)
	}

	var similar []ProductCard
	if len(analysis.Embedding) > 0 {
		cards, exact := p.searchProducts(ctx, analysis.Embedding)
		if exact {
			return p.photoExactMatch(msg, analysis, cards)
		}
		similar = cards
	}

	label := analysis.ExtractedText
	if label == "" {
		label = analysis.Description
	}
	if label == "" {
		return Result{
			Status:    StatusNoContent,
			Response:  replyEmptyImage,
			InputType: InputPhoto,
			Raw:       map[string]any{"analysis": analysis},
		}
	}
	return p.photoLabelText(ctx, msg, analysis, label, similar)
}

func (p *Processor) photoDocument(ctx context.Context, msg Message, analysis backend.ImageAnalysis) Result {
	res, err := p.client.UnderstandText(ctx, backend.NLPRequest{
		Text:             fmt.Sprintf(documentPrompt, analysis.ExtractedText),
		ConversationID:   msg.ConversationID,
		DetectedLanguage: msg.LanguageCode,
	})
	if err != nil {
		p.logger.Error("nlp_failed", "error", err.Error())
		return errorResult(InputPhoto, replyImageFailed, err)
	}
	return Result{
		Status:    StatusSuccess,
		Response:  res.Response,
		InputType: InputPhoto,
		Raw: map[string]any{
			"priority": priorityDocumentOCR,
			"analysis": analysis,
			"nlp":      res,
		},
	}
}

// searchProducts runs the embedding search and tags every hit against
// the exact-match threshold, preserving result order. Search failures
// are downgraded to "no results": a conversational fallback beats a
// hard error for a photo.
func (p *Processor) searchProducts(ctx context.Context, embedding []float64) (cards []ProductCard, exact bool) {
	res, err := p.client.SearchByEmbedding(ctx, embedding, p.cfg.SearchLimit, p.cfg.SearchMaxDistance)
	if err != nil {
		p.logger.Warn("search_failed", "error", err.Error())
		return nil, false
	}
	if !res.Found || len(res.Products) == 0 {
		return nil, false
	}

	cards = make([]ProductCard, 0, len(res.Products))
	for _, product := range res.Products {
		match := MatchSimilar
		if product.Similarity >= p.cfg.ExactMatchThreshold {
			match = MatchExact
		}
		cards = append(cards, ProductCard{Product: product, MatchType: match})
	}
	return cards, cards[0].MatchType == MatchExact
}

func (p *Processor) photoExactMatch(msg Message, analysis backend.ImageAnalysis, cards []ProductCard) Result {
	p.logger.Info("photo_exact_match", "products", len(cards), "top_similarity", cards[0].Similarity)
	p.storeCards(msg, cards)
	return Result{
		Status:    StatusSuccess,
		Response:  replyExactMatch,
		InputType: InputPhoto,
		Products:  cards,
		Raw: map[string]any{
			"priority":     priorityExactMatch,
			"analysis":     analysis,
			"image_search": cards,
		},
	}
}

func (p *Processor) photoLabelText(ctx context.Context, msg Message, analysis backend.ImageAnalysis, label string, similar []ProductCard) Result {
	res := p.ProcessText(ctx, label, textOptions(msg))
	res.InputType = InputPhoto
	if res.Status != StatusSuccess {
		return res
	}
	if res.Raw == nil {
		res.Raw = map[string]any{}
	}
	res.Raw["analysis"] = analysis
	if len(similar) > 0 {
		res.Products = similar
		res.Raw["priority"] = prioritySimilarProducts
		p.storeCards(msg, similar)
	} else {
		res.Raw["priority"] = priorityText
	}
	return res
}

func (p *Processor) storeCards(msg Message, cards []ProductCard) {
	if p.cache == nil || msg.ChatID == 0 {
		return
	}
	products := make([]backend.Product, len(cards))
	for i, card := range cards {
		products[i] = card.Product
	}
	p.cache.Store(msg.ChatID, products, msg.LanguageCode)
}
