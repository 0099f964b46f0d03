package processor

import "strings"

// InputType classifies an inbound chat message.
type InputType string

const (
	InputText     InputType = "text"
	InputCommand  InputType = "command"
	InputPhoto    InputType = "photo"
	InputDocument InputType = "document"
	InputVideo    InputType = "video"
	InputAudio    InputType = "audio"
	InputVoice    InputType = "voice"
	InputSticker  InputType = "sticker"
	InputLocation InputType = "location"
	InputContact  InputType = "contact"
	InputUnknown  InputType = "unknown"
)

// Message is a channel-agnostic descriptor of an inbound message.
// File-bearing kinds carry the platform file id; bytes are fetched
// lazily through a FileDownloader only when processing needs them.
type Message struct {
	ChatID         int64
	Text           string
	PhotoFileID    string
	DocumentFileID string
	VideoFileID    string
	AudioFileID    string
	VoiceFileID    string
	StickerFileID  string
	HasLocation    bool
	HasContact     bool

	ConversationID string
	LanguageCode   string
	FromExternalID string
	FromFirstName  string
	FromLastName   string
	FromUsername   string
}

// Classify picks the input type by checking attachments before text:
// a photo with a caption is still a photo.
func Classify(msg Message) InputType {
	switch {
	case msg.PhotoFileID != "":
		return InputPhoto
	case msg.DocumentFileID != "":
		return InputDocument
	case msg.VideoFileID != "":
		return InputVideo
	case msg.AudioFileID != "":
		return InputAudio
	case msg.VoiceFileID != "":
		return InputVoice
	case msg.StickerFileID != "":
		return InputSticker
	case msg.HasLocation:
		return InputLocation
	case msg.HasContact:
		return InputContact
	case strings.HasPrefix(msg.Text, "/"):
		return InputCommand
	case msg.Text != "":
		return InputText
	}
	return InputUnknown
}
