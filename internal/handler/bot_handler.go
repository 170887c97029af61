package handler

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"invite-gate/internal/errs"
	"invite-gate/internal/models"
	"invite-gate/internal/service"
	"invite-gate/internal/transport"
)

// Verifier is the verification gateway as the bot handler sees it.
type Verifier interface {
	ProtectLink(ctx context.Context, ev transport.CommandEvent) error
	BeginVerification(ctx context.Context, sender transport.Sender, token string) (service.VerificationState, error)
	RecheckMembership(ctx context.Context, ev transport.ButtonEvent) (service.VerificationState, error)
	SubmitCode(ctx context.Context, sender transport.Sender, text string) (service.SubmitOutcome, error)
	CopyLink(ctx context.Context, ev transport.ButtonEvent) error
	RevealCode(ctx context.Context, ev transport.ButtonEvent) error
}

type BroadcastCommands interface {
	Command(ctx context.Context, ev transport.CommandEvent) error
}

type AdminCommands interface {
	Welcome(ctx context.Context, ev transport.CommandEvent) error
	Stats(ctx context.Context, ev transport.CommandEvent) error
	Users(ctx context.Context, ev transport.CommandEvent) error
	Health(ctx context.Context, ev transport.CommandEvent) error
	UsersPage(ctx context.Context, ev transport.ButtonEvent) error
}

// ActivityRecorder upserts the sender of every inbound event.
type ActivityRecorder interface {
	Touch(ctx context.Context, p models.Profile) error
}

// RecipientLocker serialises work per recipient.
type RecipientLocker interface {
	Lock(recipientID int64) (unlock func())
}

type BotDeps struct {
	Gateway     Verifier
	Broadcaster BroadcastCommands
	Admin       AdminCommands
	Directory   ActivityRecorder
	Locks       RecipientLocker
	Messenger   transport.Messenger
}

// BotHandler routes normalised events to the services.
type BotHandler struct {
	gateway     Verifier
	broadcaster BroadcastCommands
	admin       AdminCommands
	directory   ActivityRecorder
	locks       RecipientLocker
	messenger   transport.Messenger
	logger      *zap.Logger
}

var _ EventHandler = (*BotHandler)(nil)

func NewBotHandler(deps BotDeps, logger *zap.Logger) *BotHandler {
	return &BotHandler{
		gateway:     deps.Gateway,
		broadcaster: deps.Broadcaster,
		admin:       deps.Admin,
		directory:   deps.Directory,
		locks:       deps.Locks,
		messenger:   deps.Messenger,
		logger:      logger,
	}
}

// HandleEvent records the sender's activity, then handles the event while
// holding the sender's stripe lock.
func (h *BotHandler) HandleEvent(ctx context.Context, ev transport.Event) {
	sender := ev.From()
	if err := h.directory.Touch(ctx, sender.Profile()); err != nil {
		h.logger.Warn("Failed to record recipient activity", zap.Int64("recipient_id", sender.ID), zap.Error(err))
	}

	unlock := h.locks.Lock(sender.ID)
	defer unlock()

	var name string
	var err error
	switch e := ev.(type) {
	case transport.CommandEvent:
		name = "/" + e.Name
		err = h.handleCommand(ctx, e)
	case transport.TextEvent:
		name = "text"
		if e.Conversation.IsPrivate() {
			_, err = h.gateway.SubmitCode(ctx, e.Sender, e.Text)
		}
	case transport.ButtonEvent:
		name = "button:" + string(e.Callback.Action)
		err = h.handleButton(ctx, e)
	}
	h.logOutcome(name, sender.ID, err)
}

func (h *BotHandler) handleCommand(ctx context.Context, ev transport.CommandEvent) error {
	switch ev.Name {
	case "start":
		if len(ev.Args) > 0 && strings.HasPrefix(ev.Args[0], service.DeepLinkPrefix) {
			token := strings.TrimPrefix(ev.Args[0], service.DeepLinkPrefix)
			_, err := h.gateway.BeginVerification(ctx, ev.Sender, token)
			return err
		}
		return h.admin.Welcome(ctx, ev)
	case "protect":
		return h.gateway.ProtectLink(ctx, ev)
	case "broadcast":
		return h.broadcaster.Command(ctx, ev)
	case "stats":
		return h.admin.Stats(ctx, ev)
	case "users":
		return h.admin.Users(ctx, ev)
	case "health":
		return h.admin.Health(ctx, ev)
	}
	return nil
}

func (h *BotHandler) handleButton(ctx context.Context, ev transport.ButtonEvent) error {
	switch ev.Callback.Action {
	case transport.ActionRecheck:
		_, err := h.gateway.RecheckMembership(ctx, ev)
		return err
	case transport.ActionReveal:
		return h.gateway.RevealCode(ctx, ev)
	case transport.ActionCopy:
		return h.gateway.CopyLink(ctx, ev)
	case transport.ActionUsersPage:
		return h.admin.UsersPage(ctx, ev)
	}
	// Undecodable payloads are acknowledged so the client stops its spinner.
	if err := h.messenger.AnswerButtonPress(ctx, ev.Press, ""); err != nil {
		return errs.Transport("AnswerButtonPress", err)
	}
	return nil
}

func (h *BotHandler) logOutcome(name string, recipientID int64, err error) {
	if err == nil {
		h.logger.Debug("Event handled", zap.String("event", name), zap.Int64("recipient_id", recipientID))
		return
	}
	switch kind := errs.KindOf(err); kind {
	case errs.KindValidation, errs.KindNotFound, errs.KindAuthorization:
		h.logger.Debug("Event rejected",
			zap.String("event", name), zap.Int64("recipient_id", recipientID), zap.String("kind", kind.String()))
	default:
		h.logger.Warn("Event failed",
			zap.String("event", name), zap.Int64("recipient_id", recipientID), zap.Error(err))
	}
}
