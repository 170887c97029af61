package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"invite-gate/internal/config"
	"invite-gate/internal/errs"
	"invite-gate/internal/models"
	"invite-gate/internal/repository"
	"invite-gate/internal/transport"
)

const (
	UsersPageSize = 10
	TopRecipients = 5
)

// HealthProber reports per-backend health; a nil error means healthy.
type HealthProber func(ctx context.Context) map[string]error

type AdminDeps struct {
	Links      repository.LinkStore
	Challenges repository.ChallengeStore
	Directory  repository.RecipientDirectory
	Runs       repository.BroadcastRunStore
	Messenger  transport.Messenger
	Health     HealthProber
}

// AdminService serves the operator commands and the welcome text.
type AdminService struct {
	links      repository.LinkStore
	challenges repository.ChallengeStore
	directory  repository.RecipientDirectory
	runs       repository.BroadcastRunStore
	messenger  transport.Messenger
	health     HealthProber
	operatorID int64
	logger     *zap.Logger
	now        func() time.Time
}

func NewAdminService(cfg *config.Config, deps AdminDeps, logger *zap.Logger) *AdminService {
	return &AdminService{
		links:      deps.Links,
		challenges: deps.Challenges,
		directory:  deps.Directory,
		runs:       deps.Runs,
		messenger:  deps.Messenger,
		health:     deps.Health,
		operatorID: cfg.Broadcast.OperatorID,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (a *AdminService) isOperator(id int64) bool {
	return a.operatorID != 0 && id == a.operatorID
}

// Welcome answers /start without a verification token.
func (a *AdminService) Welcome(ctx context.Context, ev transport.CommandEvent) error {
	text := msgWelcome
	if a.isOperator(ev.Sender.ID) {
		text += msgAdminHelp
	}
	return a.say(ctx, ev.Conversation.ID, text, nil)
}

type stats struct {
	recipients, activeToday       int64
	links, linksToday             int64
	pendingChallenges, broadcasts int64
	top                           []*models.Recipient
}

func (a *AdminService) Stats(ctx context.Context, ev transport.CommandEvent) error {
	const op = "AdminService.Stats"
	if err := a.authorize(ctx, op, ev); err != nil {
		return err
	}

	today := a.now().Truncate(24 * time.Hour)
	var s stats
	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int64, fn func(context.Context) (int64, error)) {
		g.Go(func() error {
			return Retry(gctx, storePolicy, func(ctx context.Context, _ int) error {
				n, err := fn(ctx)
				*dst = n
				return err
			})
		})
	}
	count(&s.recipients, a.directory.Count)
	count(&s.activeToday, func(ctx context.Context) (int64, error) { return a.directory.CountActiveSince(ctx, today) })
	count(&s.links, a.links.Count)
	count(&s.linksToday, func(ctx context.Context) (int64, error) { return a.links.CountCreatedSince(ctx, today) })
	count(&s.pendingChallenges, a.challenges.Count)
	count(&s.broadcasts, a.runs.Count)
	g.Go(func() error {
		var err error
		s.top, err = a.directory.TopByInteractions(gctx, TopRecipients)
		return err
	})

	if err := g.Wait(); err != nil {
		a.logger.Error("Failed to gather statistics", zap.Error(err))
		a.say(ctx, ev.Conversation.ID, msgTryAgain, nil)
		return errs.TransientStore(op, err)
	}

	return a.say(ctx, ev.Conversation.ID, formatStats(s), nil)
}

func formatStats(s stats) string {
	var b strings.Builder
	b.WriteString("📊 Stats\n\n")
	fmt.Fprintf(&b, "• Users: %d\n", s.recipients)
	fmt.Fprintf(&b, "• Active today: %d\n", s.activeToday)
	fmt.Fprintf(&b, "• Protected links: %d (%d today)\n", s.links, s.linksToday)
	fmt.Fprintf(&b, "• Pending verifications: %d\n", s.pendingChallenges)
	fmt.Fprintf(&b, "• Broadcasts: %d", s.broadcasts)
	if len(s.top) > 0 {
		b.WriteString("\n\n🏆 Most active:")
		for i, r := range s.top {
			fmt.Fprintf(&b, "\n%d. %s: %d interactions", i+1, recipientLabel(r), r.InteractionCount)
		}
	}
	return b.String()
}

// Users answers /users [page].
func (a *AdminService) Users(ctx context.Context, ev transport.CommandEvent) error {
	const op = "AdminService.Users"
	if err := a.authorize(ctx, op, ev); err != nil {
		return err
	}

	page := 1
	if len(ev.Args) > 0 {
		if n, err := strconv.Atoi(ev.Args[0]); err == nil && n > 0 {
			page = n
		}
	}

	text, kb, err := a.usersPage(ctx, op, page)
	if err != nil {
		a.say(ctx, ev.Conversation.ID, msgTryAgain, nil)
		return err
	}
	return a.say(ctx, ev.Conversation.ID, text, kb)
}

// UsersPage answers the previous/next controls of a /users listing.
func (a *AdminService) UsersPage(ctx context.Context, ev transport.ButtonEvent) error {
	const op = "AdminService.UsersPage"
	if !a.isOperator(ev.Sender.ID) {
		a.answer(ctx, ev.Press, msgNotPermitted)
		return errs.Authorization(op)
	}

	text, kb, err := a.usersPage(ctx, op, ev.Callback.Page)
	if err != nil {
		a.answer(ctx, ev.Press, msgTryAgain)
		return err
	}
	a.answer(ctx, ev.Press, "")
	if ev.Message != nil {
		if err := a.messenger.EditMessage(ctx, *ev.Message, text, kb); err == nil {
			return nil
		}
	}
	return a.say(ctx, ev.Sender.ID, text, kb)
}

func (a *AdminService) usersPage(ctx context.Context, op string, page int) (string, transport.Keyboard, error) {
	var total int64
	var users []*models.Recipient
	err := Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
		var err error
		if total, err = a.directory.Count(ctx); err != nil {
			return err
		}
		pages := pageCount(total)
		page = min(max(page, 1), max(pages, 1))
		users, err = a.directory.ListByActivity(ctx, (page-1)*UsersPageSize, UsersPageSize)
		return err
	})
	if err != nil {
		a.logger.Error("Failed to list users", zap.Int("page", page), zap.Error(err))
		return "", nil, errs.TransientStore(op, err)
	}
	if total == 0 {
		return msgNoUsers, nil, nil
	}

	pages := pageCount(total)
	var b strings.Builder
	b.WriteString("👥 Users\n")
	for _, r := range users {
		fmt.Fprintf(&b, "\n• %s, last active %s", recipientLabel(r), r.LastActiveAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&b, "\n\nPage %d/%d", page, pages)

	var row []transport.Control
	if page > 1 {
		row = append(row, transport.CallbackControl(ctlPrevPage, transport.UsersPage(page-1)))
	}
	if page < pages {
		row = append(row, transport.CallbackControl(ctlNextPage, transport.UsersPage(page+1)))
	}
	var kb transport.Keyboard
	if len(row) > 0 {
		kb = transport.Keyboard{row}
	}
	return b.String(), kb, nil
}

func pageCount(total int64) int {
	return int((total + UsersPageSize - 1) / UsersPageSize)
}

// Health answers /health with one line per backend.
func (a *AdminService) Health(ctx context.Context, ev transport.CommandEvent) error {
	const op = "AdminService.Health"
	if err := a.authorize(ctx, op, ev); err != nil {
		return err
	}

	var results map[string]error
	if a.health != nil {
		results = a.health(ctx)
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("🤖 Health Check")
	for _, name := range names {
		if err := results[name]; err != nil {
			fmt.Fprintf(&b, "\n• %s: ❌ %v", name, err)
		} else {
			fmt.Fprintf(&b, "\n• %s: ✅", name)
		}
	}
	return a.say(ctx, ev.Conversation.ID, b.String(), nil)
}

func (a *AdminService) authorize(ctx context.Context, op string, ev transport.CommandEvent) error {
	if a.isOperator(ev.Sender.ID) {
		return nil
	}
	a.logger.Warn("Rejected operator action", zap.String("op", op), zap.Int64("initiator_id", ev.Sender.ID))
	a.say(ctx, ev.Conversation.ID, msgNotPermitted, nil)
	return errs.Authorization(op)
}

func (a *AdminService) say(ctx context.Context, to int64, text string, kb transport.Keyboard) error {
	if _, err := a.messenger.SendText(ctx, to, text, kb); err != nil {
		a.logger.Warn("Failed to send message", zap.Int64("recipient_id", to), zap.Error(err))
		return errs.Transport("SendText", err)
	}
	return nil
}

func (a *AdminService) answer(ctx context.Context, press transport.PressRef, notice string) {
	if err := a.messenger.AnswerButtonPress(ctx, press, notice); err != nil {
		a.logger.Debug("Failed to answer button press", zap.Error(err))
	}
}

func recipientLabel(r *models.Recipient) string {
	name := r.DisplayName
	if name == "" {
		name = "User " + strconv.FormatInt(r.ID, 10)
	}
	if r.Handle != "" {
		name += " (@" + r.Handle + ")"
	}
	return name
}
