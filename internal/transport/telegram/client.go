// Package telegram adapts the Bot API to transport.Messenger.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"invite-gate/internal/config"
	"invite-gate/internal/models"
	"invite-gate/internal/transport"
)

// botAPI is the slice of *tgbotapi.BotAPI the adapter calls.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

var _ botAPI = (*tgbotapi.BotAPI)(nil)

type Client struct {
	bot      botAPI
	username string
	logger   *zap.Logger
}

var _ transport.Messenger = (*Client)(nil)

// NewClient authenticates against the Bot API. Every request is bounded by
// the configured timeout.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	endpoint := cfg.Telegram.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	httpClient := &http.Client{Timeout: cfg.Telegram.RequestTimeout}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.BotToken, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate bot: %w", err)
	}
	bot.Debug = cfg.IsDevelopment() && cfg.Logging.Level == "debug"

	username := cfg.Telegram.BotUsername
	if username == "" {
		username = bot.Self.UserName
	}

	logger.Info("Telegram client initialized",
		zap.String("bot_username", username),
		zap.Duration("request_timeout", cfg.Telegram.RequestTimeout))

	return &Client{bot: bot, username: username, logger: logger}, nil
}

// Username is the bot's public handle, used to build deep links.
func (c *Client) Username() string {
	return c.username
}

// SetWebhook registers url with the platform. Updates then carry secret in the
// X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	params["allowed_updates"] = `["message","callback_query"]`

	return call(ctx, func() error {
		_, err := c.bot.MakeRequest("setWebhook", params)
		return classify("setWebhook", err)
	})
}

func (c *Client) SendText(ctx context.Context, to int64, text string, kb transport.Keyboard) (transport.MessageRef, error) {
	msg := tgbotapi.NewMessage(to, text)
	msg.DisableWebPagePreview = true
	if markup := inlineMarkup(kb); markup != nil {
		msg.ReplyMarkup = *markup
	}
	return c.send(ctx, "sendMessage", msg)
}

func (c *Client) SendMedia(ctx context.Context, to int64, p models.Payload, kb transport.Keyboard) (transport.MessageRef, error) {
	chattable, err := mediaConfig(to, p, inlineMarkup(kb))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return c.send(ctx, "send"+p.Kind.String(), chattable)
}

func (c *Client) send(ctx context.Context, op string, chattable tgbotapi.Chattable) (transport.MessageRef, error) {
	var ref transport.MessageRef
	err := call(ctx, func() error {
		m, err := c.bot.Send(chattable)
		if err != nil {
			return classify(op, err)
		}
		if m.Chat != nil {
			ref = transport.MessageRef{ChatID: m.Chat.ID, MessageID: m.MessageID}
		}
		return nil
	})
	return ref, err
}

func (c *Client) EditMessage(ctx context.Context, ref transport.MessageRef, text string, kb transport.Keyboard) error {
	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	edit.DisableWebPagePreview = true
	edit.ReplyMarkup = inlineMarkup(kb)

	return call(ctx, func() error {
		_, err := c.bot.Request(edit)
		if isNotModified(err) {
			return nil
		}
		return classify("editMessageText", err)
	})
}

func (c *Client) AnswerButtonPress(ctx context.Context, press transport.PressRef, notice string) error {
	return call(ctx, func() error {
		_, err := c.bot.Request(tgbotapi.NewCallback(string(press), notice))
		return classify("answerCallbackQuery", err)
	})
}

// GetMembershipStatus accepts a numeric chat id or an @username.
func (c *Client) GetMembershipStatus(ctx context.Context, groupRef string, userID int64) (transport.MemberStatus, error) {
	chat := tgbotapi.ChatConfigWithUser{UserID: userID}
	if id, err := strconv.ParseInt(groupRef, 10, 64); err == nil {
		chat.ChatID = id
	} else {
		chat.SuperGroupUsername = "@" + strings.TrimPrefix(groupRef, "@")
	}

	var status transport.MemberStatus
	err := call(ctx, func() error {
		member, err := c.bot.GetChatMember(tgbotapi.GetChatMemberConfig{ChatConfigWithUser: chat})
		if err != nil {
			return classify("getChatMember", err)
		}
		status = memberStatus(member)
		return nil
	})
	return status, err
}

func memberStatus(m tgbotapi.ChatMember) transport.MemberStatus {
	status := transport.MemberStatus(m.Status)
	if status == transport.MemberRestricted && m.IsMember {
		return transport.MemberMember
	}
	return status
}

// call bounds a blocking Bot API call by ctx. The library has no context
// support; an abandoned call still ends at the HTTP client timeout.
func call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &transport.DeliveryError{Op: "request", Reason: "timeout", Err: ctx.Err()}
	}
}

func inlineMarkup(kb transport.Keyboard) *tgbotapi.InlineKeyboardMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, ctl := range row {
			if ctl.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(ctl.Text, ctl.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(ctl.Text, ctl.Data))
			}
		}
		rows = append(rows, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

var errUnsupportedPayload = errors.New("unsupported payload kind")

func mediaConfig(to int64, p models.Payload, markup *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Chattable, error) {
	file := tgbotapi.FileID(p.FileID)
	var replyMarkup interface{}
	if markup != nil {
		replyMarkup = *markup
	}

	switch p.Kind {
	case models.PayloadText:
		msg := tgbotapi.NewMessage(to, p.Text)
		msg.ReplyMarkup = replyMarkup
		return msg, nil
	case models.PayloadPhoto:
		c := tgbotapi.NewPhoto(to, file)
		c.Caption, c.ReplyMarkup = p.Caption, replyMarkup
		return c, nil
	case models.PayloadVideo:
		c := tgbotapi.NewVideo(to, file)
		c.Caption, c.ReplyMarkup = p.Caption, replyMarkup
		return c, nil
	case models.PayloadDocument:
		c := tgbotapi.NewDocument(to, file)
		c.Caption, c.ReplyMarkup = p.Caption, replyMarkup
		return c, nil
	case models.PayloadAudio:
		c := tgbotapi.NewAudio(to, file)
		c.Caption, c.ReplyMarkup = p.Caption, replyMarkup
		return c, nil
	case models.PayloadVoice:
		c := tgbotapi.NewVoice(to, file)
		c.Caption, c.ReplyMarkup = p.Caption, replyMarkup
		return c, nil
	case models.PayloadSticker:
		c := tgbotapi.NewSticker(to, file)
		c.ReplyMarkup = replyMarkup
		return c, nil
	case models.PayloadAnimation:
		c := tgbotapi.NewAnimation(to, file)
		c.Caption, c.ReplyMarkup = p.Caption, replyMarkup
		return c, nil
	case models.PayloadPoll:
		if p.Poll == nil {
			break
		}
		c := tgbotapi.NewPoll(to, p.Poll.Question, p.Poll.Options...)
		c.IsAnonymous = p.Poll.IsAnonymous
		c.AllowsMultipleAnswers = p.Poll.AllowsMultipleAnswers
		c.ReplyMarkup = replyMarkup
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnsupportedPayload, p.Kind)
}
