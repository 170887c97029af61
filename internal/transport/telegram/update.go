package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"invite-gate/internal/models"
	"invite-gate/internal/transport"
	"invite-gate/internal/util"
)

// Normalize converts a webhook update into a transport event. ok is false for
// updates the bot does not act on.
func Normalize(u tgbotapi.Update) (ev transport.Event, ok bool) {
	switch {
	case u.CallbackQuery != nil:
		return normalizeButton(u.CallbackQuery)
	case u.Message != nil:
		return normalizeMessage(u.Message)
	}
	return nil, false
}

func normalizeMessage(m *tgbotapi.Message) (transport.Event, bool) {
	if m.From == nil || m.Chat == nil {
		return nil, false
	}
	sender := senderOf(m.From)
	conv := transport.Conversation{ID: m.Chat.ID, Kind: transport.ConversationKind(m.Chat.Type)}

	if m.IsCommand() {
		raw := m.CommandArguments()
		ev := transport.CommandEvent{
			Name:         strings.ToLower(m.Command()),
			Args:         strings.Fields(raw),
			RawArgs:      strings.TrimSpace(raw),
			Sender:       sender,
			Conversation: conv,
		}
		if m.ReplyToMessage != nil {
			p := PayloadFromMessage(m.ReplyToMessage)
			ev.Reply = &p
		}
		return ev, true
	}

	if m.Text == "" {
		return nil, false
	}
	return transport.TextEvent{Text: m.Text, Sender: sender, Conversation: conv}, true
}

func normalizeButton(q *tgbotapi.CallbackQuery) (transport.Event, bool) {
	if q.From == nil {
		return nil, false
	}
	ev := transport.ButtonEvent{
		Press:  transport.PressRef(q.ID),
		Sender: senderOf(q.From),
	}
	if q.Message != nil && q.Message.Chat != nil {
		ev.Message = &transport.MessageRef{ChatID: q.Message.Chat.ID, MessageID: q.Message.MessageID}
	}

	cb, err := transport.DecodeCallback(q.Data)
	if err != nil {
		util.Warn("Rejected callback payload", util.RecipientID(q.From.ID), util.ErrorField(err))
		return ev, true
	}
	ev.Callback = cb
	return ev, true
}

func senderOf(u *tgbotapi.User) transport.Sender {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	return transport.Sender{
		ID:          u.ID,
		DisplayName: util.SanitizeDisplay(name),
		Handle:      util.SanitizeHandle(u.UserName),
	}
}

// PayloadFromMessage resolves the mirrored message variant. Animations also
// carry a document, so they are checked first.
func PayloadFromMessage(m *tgbotapi.Message) models.Payload {
	switch {
	case m.Animation != nil:
		return models.Payload{Kind: models.PayloadAnimation, FileID: m.Animation.FileID, Caption: m.Caption}
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		return models.Payload{Kind: models.PayloadPhoto, FileID: largest.FileID, Caption: m.Caption}
	case m.Video != nil:
		return models.Payload{Kind: models.PayloadVideo, FileID: m.Video.FileID, Caption: m.Caption}
	case m.Document != nil:
		return models.Payload{Kind: models.PayloadDocument, FileID: m.Document.FileID, Caption: m.Caption}
	case m.Audio != nil:
		return models.Payload{Kind: models.PayloadAudio, FileID: m.Audio.FileID, Caption: m.Caption}
	case m.Voice != nil:
		return models.Payload{Kind: models.PayloadVoice, FileID: m.Voice.FileID, Caption: m.Caption}
	case m.Sticker != nil:
		return models.Payload{Kind: models.PayloadSticker, FileID: m.Sticker.FileID}
	case m.Poll != nil:
		poll := &models.Poll{
			Question:              m.Poll.Question,
			IsAnonymous:           m.Poll.IsAnonymous,
			AllowsMultipleAnswers: m.Poll.AllowsMultipleAnswers,
		}
		for _, opt := range m.Poll.Options {
			poll.Options = append(poll.Options, opt.Text)
		}
		return models.Payload{Kind: models.PayloadPoll, Poll: poll}
	case m.Text != "":
		return models.TextPayload(m.Text)
	}
	return models.Payload{Kind: models.PayloadUnsupported}
}
