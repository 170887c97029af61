package models

// PayloadKind tags the broadcast payload variant.
type PayloadKind uint8

const (
	PayloadUnsupported PayloadKind = iota
	PayloadText
	PayloadPhoto
	PayloadVideo
	PayloadDocument
	PayloadAudio
	PayloadVoice
	PayloadSticker
	PayloadAnimation
	PayloadPoll
)

var payloadKindNames = map[PayloadKind]string{
	PayloadUnsupported: "unsupported",
	PayloadText:        "text",
	PayloadPhoto:       "photo",
	PayloadVideo:       "video",
	PayloadDocument:    "document",
	PayloadAudio:       "audio",
	PayloadVoice:       "voice",
	PayloadSticker:     "sticker",
	PayloadAnimation:   "animation",
	PayloadPoll:        "poll",
}

func (k PayloadKind) String() string {
	if name, ok := payloadKindNames[k]; ok {
		return name
	}
	return "unsupported"
}

// IsMedia reports whether the kind is delivered by file reference.
func (k PayloadKind) IsMedia() bool {
	switch k {
	case PayloadPhoto, PayloadVideo, PayloadDocument, PayloadAudio, PayloadVoice, PayloadSticker, PayloadAnimation:
		return true
	}
	return false
}

// Poll is a poll re-created for every recipient.
type Poll struct {
	Question              string
	Options               []string
	IsAnonymous           bool
	AllowsMultipleAnswers bool
}

// Payload is the message a broadcast delivers: literal text or a mirrored message.
type Payload struct {
	Kind    PayloadKind
	Text    string
	FileID  string
	Caption string
	Poll    *Poll
}

// TextPayload builds a literal text payload.
func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}
