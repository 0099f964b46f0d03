package processor

import "github.com/vitrina/tiendabot/backend"

type Status string

const (
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusUnsupported Status = "unsupported"
	StatusNoContent   Status = "no_content"
)

type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchSimilar MatchType = "similar"
)

// ProductCard is one search hit tagged with how close it was to the
// query image. Immutable once built.
type ProductCard struct {
	backend.Product
	MatchType MatchType
}

// Result is produced once per inbound message and handed to the
// rendering layer.
type Result struct {
	Status    Status
	Response  string
	InputType InputType
	Raw       map[string]any
	Err       string
	Products  []ProductCard
}

// LowConfidence reports whether the result came from a transcription
// the ASR service flagged as unreliable. Callers should show the
// actionable retry message instead of a generic failure.
func (r Result) LowConfidence() bool {
	v, ok := r.Raw["asr_low_confidence"].(bool)
	return ok && v
}

func errorResult(inputType InputType, response string, err error) Result {
	r := Result{Status: StatusError, Response: response, InputType: inputType}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}
