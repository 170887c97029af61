package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"invite-gate/internal/config"
	"invite-gate/internal/errs"
	"invite-gate/internal/models"
	"invite-gate/internal/repository"
	"invite-gate/internal/transport"
)

// VerificationState is where a (recipient, token) pair stands after an operation.
type VerificationState uint8

const (
	StateStart VerificationState = iota
	StateChannelGatePending
	StateChallengePending
	StateVerified
	StateFailed
)

// SubmitOutcome is the result of a free-text code submission.
type SubmitOutcome uint8

const (
	SubmitIgnored SubmitOutcome = iota
	SubmitNoPending
	SubmitIncorrect
	SubmitLinkExpired
	SubmitReleased
	SubmitFailed
)

// DeepLinkPrefix marks a /start argument as a verification request.
const DeepLinkPrefix = "verify_"

type GatewayDeps struct {
	Links      repository.LinkStore
	Challenges repository.ChallengeStore
	Messenger  transport.Messenger
	Membership MembershipChecker
	Generator  Generator
	Events     EventPublisher
}

// Gateway runs link protection and the verification state machine. Every
// entry point replies to the user itself and returns nil or a classified error.
type Gateway struct {
	links        repository.LinkStore
	challenges   repository.ChallengeStore
	messenger    transport.Messenger
	membership   MembershipChecker
	gen          Generator
	events       EventPublisher
	grammar      *LinkGrammar
	botUsername  string
	challengeTTL time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewGateway(cfg *config.Config, deps GatewayDeps, botUsername string, logger *zap.Logger) *Gateway {
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}
	if deps.Generator == nil {
		deps.Generator = NewRandomGenerator()
	}
	return &Gateway{
		links:        deps.Links,
		challenges:   deps.Challenges,
		messenger:    deps.Messenger,
		membership:   deps.Membership,
		gen:          deps.Generator,
		events:       deps.Events,
		grammar:      NewLinkGrammar(cfg.Gateway.AllowedLinkHosts),
		botUsername:  botUsername,
		challengeTTL: cfg.Gateway.ChallengeTTL,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// DeepLink is the shareable address that starts verification for token.
func (g *Gateway) DeepLink(token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%s", g.botUsername, DeepLinkPrefix, token)
}

// CreateLink validates targetURL and stores it under a fresh token. A duplicate
// token is retried once; a second duplicate means the generator is broken.
func (g *Gateway) CreateLink(ctx context.Context, ownerID int64, targetURL string) (string, error) {
	const op = "Gateway.CreateLink"

	target, err := g.grammar.Validate(targetURL)
	if err != nil {
		return "", err
	}

	var token string
	err = Retry(ctx, tokenPolicy, func(ctx context.Context, attempt int) error {
		tok, err := g.gen.Token()
		if err != nil {
			return err
		}
		err = g.links.Create(ctx, &models.ProtectedLink{Token: tok, TargetURL: target, OwnerID: ownerID})
		if errors.Is(err, errs.ErrAlreadyExists) {
			g.logger.Warn("Token collision", zap.Int("attempt", attempt))
		}
		if err != nil {
			return err
		}
		token = tok
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			g.logger.Error("Token collided after retry, token generator is misconfigured", zap.Int64("owner_id", ownerID))
		} else {
			g.logger.Error("Failed to create link", zap.Int64("owner_id", ownerID), zap.Error(err))
		}
		return "", errs.TransientStore(op, err)
	}

	g.logger.Info("Link protected", zap.Int64("owner_id", ownerID), zap.String("token", token))
	g.events.Publish(ctx, AuditEvent{Type: EventLinkProtected, RecipientID: ownerID, Token: token})
	return token, nil
}

// ProtectLink handles /protect <url>.
func (g *Gateway) ProtectLink(ctx context.Context, ev transport.CommandEvent) error {
	const op = "Gateway.ProtectLink"
	to := ev.Conversation.ID

	if !ev.Conversation.IsPrivate() {
		g.say(ctx, to, msgPrivateOnly, nil)
		return errs.Validation(op, msgPrivateOnly)
	}
	if len(ev.Args) == 0 {
		g.say(ctx, to, msgProtectUsage, nil)
		return errs.Validation(op, msgProtectUsage)
	}

	token, err := g.CreateLink(ctx, ev.Sender.ID, ev.Args[0])
	if err != nil {
		g.say(ctx, to, UserMessage(err), nil)
		return err
	}

	deep := g.DeepLink(token)
	return g.say(ctx, to, fmt.Sprintf(msgLinkProtected, deep), g.shareKeyboard(token))
}

func (g *Gateway) shareKeyboard(token string) transport.Keyboard {
	deep := g.DeepLink(token)
	return transport.Keyboard{
		transport.Row(transport.URLControl(ctlShare, "https://t.me/share/url?url="+url.QueryEscape(deep))),
		transport.Row(transport.CallbackControl(ctlCopy, transport.CopyLink(token))),
	}
}

// CopyLink answers the owner's copy control by showing the deep link as text.
func (g *Gateway) CopyLink(ctx context.Context, ev transport.ButtonEvent) error {
	const op = "Gateway.CopyLink"
	token := ev.Callback.Token

	link, err := g.resolve(ctx, token)
	if err != nil {
		err = g.classifyLinkError(op, err, msgLinkNotFound)
		g.answer(ctx, ev.Press, UserMessage(err))
		return err
	}
	if link.OwnerID != ev.Sender.ID {
		g.answer(ctx, ev.Press, msgNotOwner)
		return errs.Authorization(op)
	}

	g.answer(ctx, ev.Press, noticeCopied)
	deep := g.DeepLink(token)
	if ev.Message != nil {
		return g.edit(ctx, *ev.Message, deep, g.shareKeyboard(token))
	}
	return g.say(ctx, ev.Sender.ID, deep, nil)
}

// BeginVerification handles the verify_<token> deep link.
func (g *Gateway) BeginVerification(ctx context.Context, sender transport.Sender, token string) (VerificationState, error) {
	const op = "Gateway.BeginVerification"
	rid := sender.ID

	if _, err := g.resolve(ctx, token); err != nil {
		err = g.classifyLinkError(op, err, msgLinkNotFound)
		g.say(ctx, rid, UserMessage(err), nil)
		if errs.Is(err, errs.KindNotFound) {
			return StateFailed, err
		}
		return StateStart, err
	}

	if g.membership.Enabled() {
		d := g.membership.Check(ctx, rid)
		if !d.Allowed {
			g.logger.Info("Recipient gated on membership",
				zap.Int64("recipient_id", rid), zap.String("token", token), zap.Int("missing", len(d.Missing)))
			g.joinPrompt(ctx, rid, token, d.Missing, nil)
			return StateChannelGatePending, nil
		}
	}

	if err := g.issueChallenge(ctx, rid, token); err != nil {
		g.say(ctx, rid, UserMessage(err), nil)
		return StateStart, err
	}
	return StateChallengePending, nil
}

// RecheckMembership handles the "I've joined" control.
func (g *Gateway) RecheckMembership(ctx context.Context, ev transport.ButtonEvent) (VerificationState, error) {
	const op = "Gateway.RecheckMembership"
	rid := ev.Sender.ID
	token := ev.Callback.Token

	if _, err := g.resolve(ctx, token); err != nil {
		err = g.classifyLinkError(op, err, msgLinkNotFound)
		g.answer(ctx, ev.Press, UserMessage(err))
		if errs.Is(err, errs.KindNotFound) {
			g.editOrSay(ctx, rid, ev.Message, msgLinkNotFound, nil)
			return StateFailed, err
		}
		return StateChannelGatePending, err
	}

	d := g.membership.Check(ctx, rid)
	if !d.Allowed {
		g.answer(ctx, ev.Press, fmt.Sprintf(msgStillMissing, channelNames(d.Missing)))
		g.joinPrompt(ctx, rid, token, d.Missing, ev.Message)
		return StateChannelGatePending, nil
	}

	g.answer(ctx, ev.Press, msgMembershipOK)
	if ev.Message != nil {
		_ = g.edit(ctx, *ev.Message, msgMembershipOK, nil)
	}
	if err := g.issueChallenge(ctx, rid, token); err != nil {
		g.say(ctx, rid, UserMessage(err), nil)
		return StateChannelGatePending, err
	}
	return StateChallengePending, nil
}

// RevealCode shows the pending code for the token the control was issued for.
func (g *Gateway) RevealCode(ctx context.Context, ev transport.ButtonEvent) error {
	const op = "Gateway.RevealCode"
	rid := ev.Sender.ID

	var ch *models.Challenge
	err := Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
		var err error
		ch, err = g.challenges.Peek(ctx, rid)
		return err
	})
	if err == nil && ch.Token != ev.Callback.Token {
		err = fmt.Errorf("challenge belongs to another link: %w", errs.ErrNotFound)
	}
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			g.logger.Error("Failed to read challenge", zap.Int64("recipient_id", rid), zap.Error(err))
			g.answer(ctx, ev.Press, msgTryAgain)
			return errs.TransientStore(op, err)
		}
		g.answer(ctx, ev.Press, msgChallengeExpired)
		g.editOrSay(ctx, rid, ev.Message, msgChallengeExpired, nil)
		return errs.NotFound(op, msgChallengeExpired, err)
	}

	remaining := ch.ExpiresAt(g.challengeTTL).Sub(g.now())
	g.answer(ctx, ev.Press, "")
	g.logger.Debug("Challenge revealed", zap.Int64("recipient_id", rid), zap.String("code", ch.Code))
	g.editOrSay(ctx, rid, ev.Message, fmt.Sprintf(msgChallengeRevealed, ch.Code, humanDuration(remaining)), nil)
	return nil
}

// SubmitCode handles free text from a private conversation. Input that is not
// exactly CodeDigits digits is ignored and consumes nothing. Any well-formed
// submission consumes the live challenge, right or wrong.
func (g *Gateway) SubmitCode(ctx context.Context, sender transport.Sender, text string) (SubmitOutcome, error) {
	const op = "Gateway.SubmitCode"
	rid := sender.ID

	submitted := strings.TrimSpace(text)
	if !isChallengeInput(submitted) {
		return SubmitIgnored, nil
	}

	var ch *models.Challenge
	err := Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
		var err error
		ch, err = g.challenges.Consume(ctx, rid)
		return err
	})
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			g.say(ctx, rid, msgNoPending, nil)
			return SubmitNoPending, errs.NotFound(op, msgNoPending, err)
		}
		g.logger.Error("Failed to consume challenge", zap.Int64("recipient_id", rid), zap.Error(err))
		g.say(ctx, rid, msgTryAgain, nil)
		return SubmitFailed, errs.TransientStore(op, err)
	}

	if subtle.ConstantTimeCompare([]byte(submitted), []byte(ch.Code)) != 1 {
		g.logger.Info("Incorrect challenge code", zap.Int64("recipient_id", rid), zap.String("token", ch.Token))
		g.events.Publish(ctx, AuditEvent{Type: EventVerificationFailed, RecipientID: rid, Token: ch.Token,
			Attributes: map[string]string{"reason": "incorrect_code"}})
		g.say(ctx, rid, msgIncorrectCode, nil)
		return SubmitIncorrect, errs.Validation(op, msgIncorrectCode)
	}

	link, err := g.resolve(ctx, ch.Token)
	var releases int64
	if err == nil {
		// Not retried: a retry after an applied increment would double count.
		releases, err = g.links.RecordRelease(ctx, ch.Token)
	}
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			g.logger.Error("Failed to release link", zap.Int64("recipient_id", rid), zap.String("token", ch.Token), zap.Error(err))
			g.say(ctx, rid, msgTryAgain, nil)
			return SubmitFailed, errs.TransientStore(op, err)
		}
		g.events.Publish(ctx, AuditEvent{Type: EventVerificationFailed, RecipientID: rid, Token: ch.Token,
			Attributes: map[string]string{"reason": "link_expired"}})
		g.say(ctx, rid, msgLinkExpired, nil)
		return SubmitLinkExpired, errs.NotFound(op, msgLinkExpired, err)
	}

	g.logger.Info("Link released",
		zap.Int64("recipient_id", rid), zap.String("token", ch.Token), zap.Int64("release_count", releases))
	g.events.Publish(ctx, AuditEvent{Type: EventVerificationReleased, RecipientID: rid, Token: ch.Token,
		Attributes: map[string]string{"release_count": fmt.Sprint(releases)}})

	kb := transport.Keyboard{transport.Row(transport.URLControl(ctlOpen, link.TargetURL))}
	if err := g.say(ctx, rid, msgVerified, kb); err != nil {
		return SubmitReleased, err
	}
	return SubmitReleased, nil
}

// issueChallenge replaces any live challenge of rid with a fresh one for token.
func (g *Gateway) issueChallenge(ctx context.Context, rid int64, token string) error {
	const op = "Gateway.issueChallenge"

	var code string
	err := Retry(ctx, codePolicy, func(ctx context.Context, attempt int) error {
		c, err := g.gen.Code()
		if err != nil {
			return err
		}
		var free bool
		err = Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
			var err error
			free, err = g.challenges.ReserveCode(ctx, c, rid)
			return err
		})
		if err != nil {
			return err
		}
		if !free {
			g.logger.Debug("Challenge code collision", zap.Int64("recipient_id", rid), zap.Int("attempt", attempt))
			return errCodeCollision
		}
		code = c
		return nil
	})
	if err != nil {
		g.logger.Error("Failed to reserve challenge code", zap.Int64("recipient_id", rid), zap.String("token", token), zap.Error(err))
		return errs.TransientStore(op, err)
	}

	ch := &models.Challenge{RecipientID: rid, Token: token, Code: code, IssuedAt: g.now()}
	err = Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
		return g.challenges.Replace(ctx, ch)
	})
	if err != nil {
		if relErr := g.challenges.ReleaseCode(ctx, code); relErr != nil {
			g.logger.Warn("Failed to release unused code", zap.Error(relErr))
		}
		g.logger.Error("Failed to store challenge", zap.Int64("recipient_id", rid), zap.String("token", token), zap.Error(err))
		return errs.TransientStore(op, err)
	}

	g.logger.Info("Challenge issued", zap.Int64("recipient_id", rid), zap.String("token", token))
	g.logger.Debug("Challenge code", zap.Int64("recipient_id", rid), zap.String("code", code))

	kb := transport.Keyboard{transport.Row(transport.CallbackControl(ctlReveal, transport.Reveal(token)))}
	return g.say(ctx, rid, fmt.Sprintf(msgChallengeIssued, humanDuration(g.challengeTTL)), kb)
}

func (g *Gateway) joinPrompt(ctx context.Context, rid int64, token string, missing []config.RequiredChannel, edit *transport.MessageRef) {
	kb := make(transport.Keyboard, 0, len(missing)+1)
	for _, ch := range missing {
		kb = append(kb, transport.Row(transport.URLControl(fmt.Sprintf(ctlJoin, ch.Ref), ch.JoinURL)))
	}
	kb = append(kb, transport.Row(transport.CallbackControl(ctlRecheck, transport.Recheck(token))))
	g.editOrSay(ctx, rid, edit, msgJoinPrompt, kb)
}

func (g *Gateway) resolve(ctx context.Context, token string) (*models.ProtectedLink, error) {
	var link *models.ProtectedLink
	err := Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
		var err error
		link, err = g.links.Resolve(ctx, token)
		return err
	})
	return link, err
}

func (g *Gateway) classifyLinkError(op string, err error, notFoundMsg string) error {
	if errors.Is(err, errs.ErrNotFound) {
		return errs.NotFound(op, notFoundMsg, err)
	}
	g.logger.Error("Failed to resolve link", zap.String("op", op), zap.Error(err))
	return errs.TransientStore(op, err)
}

func (g *Gateway) say(ctx context.Context, to int64, text string, kb transport.Keyboard) error {
	if _, err := g.messenger.SendText(ctx, to, text, kb); err != nil {
		g.logger.Warn("Failed to send message", zap.Int64("recipient_id", to), zap.Error(err))
		return errs.Transport("SendText", err)
	}
	return nil
}

func (g *Gateway) edit(ctx context.Context, ref transport.MessageRef, text string, kb transport.Keyboard) error {
	if err := g.messenger.EditMessage(ctx, ref, text, kb); err != nil {
		g.logger.Warn("Failed to edit message", zap.Int64("chat_id", ref.ChatID), zap.Error(err))
		return errs.Transport("EditMessage", err)
	}
	return nil
}

func (g *Gateway) editOrSay(ctx context.Context, to int64, ref *transport.MessageRef, text string, kb transport.Keyboard) {
	if ref != nil {
		if g.edit(ctx, *ref, text, kb) == nil {
			return
		}
	}
	g.say(ctx, to, text, kb)
}

func (g *Gateway) answer(ctx context.Context, press transport.PressRef, notice string) {
	if press == "" {
		return
	}
	if err := g.messenger.AnswerButtonPress(ctx, press, notice); err != nil {
		g.logger.Debug("Failed to answer button press", zap.Error(err))
	}
}

// humanDuration renders minutes or seconds for user-facing text.
func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0 seconds"
	case d >= time.Minute:
		if m := int(d.Round(time.Minute) / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "1 minute"
	}
	s := int((d + time.Second - 1) / time.Second)
	if s == 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", s)
}
