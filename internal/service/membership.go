package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"invite-gate/internal/config"
	"invite-gate/internal/transport"
)

// Membership is the tri-state answer for one required channel.
type Membership uint8

const (
	MembershipUnknown Membership = iota
	MembershipMember
	MembershipNotMember
)

// MembershipDecision is the gate outcome for one recipient. Missing lists the
// channels the recipient must still join, including unknown ones under fail-closed.
type MembershipDecision struct {
	Allowed bool
	Missing []config.RequiredChannel
	Unknown int
}

// MembershipChecker gates challenge issuance.
type MembershipChecker interface {
	Enabled() bool
	Check(ctx context.Context, recipientID int64) MembershipDecision
}

// ChannelMembership checks every required channel through the messenger and
// resolves transport failures with the configured policy.
type ChannelMembership struct {
	messenger transport.Messenger
	channels  []config.RequiredChannel
	policy    config.MembershipPolicy
	timeout   time.Duration
	logger    *zap.Logger
}

var _ MembershipChecker = (*ChannelMembership)(nil)

func NewChannelMembership(messenger transport.Messenger, cfg *config.Config, logger *zap.Logger) *ChannelMembership {
	return &ChannelMembership{
		messenger: messenger,
		channels:  cfg.Gateway.RequiredChannels,
		policy:    cfg.Gateway.MembershipPolicy,
		timeout:   cfg.Telegram.RequestTimeout,
		logger:    logger,
	}
}

func (m *ChannelMembership) Enabled() bool {
	return len(m.channels) > 0
}

func (m *ChannelMembership) Check(ctx context.Context, recipientID int64) MembershipDecision {
	if !m.Enabled() {
		return MembershipDecision{Allowed: true}
	}

	results := make([]Membership, len(m.channels))
	var g errgroup.Group
	for i, ch := range m.channels {
		g.Go(func() error {
			results[i] = m.checkOne(ctx, ch, recipientID)
			return nil
		})
	}
	_ = g.Wait()

	var d MembershipDecision
	for i, res := range results {
		switch res {
		case MembershipNotMember:
			d.Missing = append(d.Missing, m.channels[i])
		case MembershipUnknown:
			d.Unknown++
			if m.policy == config.MembershipFailClosed {
				d.Missing = append(d.Missing, m.channels[i])
			}
		}
	}
	d.Allowed = len(d.Missing) == 0

	if d.Unknown > 0 {
		m.logger.Warn("Membership unresolved, applying policy",
			zap.Int64("recipient_id", recipientID),
			zap.Int("unknown_channels", d.Unknown),
			zap.String("policy", string(m.policy)),
			zap.Bool("allowed", d.Allowed))
	}
	return d
}

func (m *ChannelMembership) checkOne(ctx context.Context, ch config.RequiredChannel, recipientID int64) Membership {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status, err := m.messenger.GetMembershipStatus(ctx, ch.Ref, recipientID)
	if err != nil {
		m.logger.Warn("Membership check failed",
			zap.String("channel", ch.Ref),
			zap.Int64("recipient_id", recipientID),
			zap.Error(err))
		return MembershipUnknown
	}
	if status.Joined() {
		return MembershipMember
	}
	return MembershipNotMember
}

func channelNames(channels []config.RequiredChannel) string {
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Ref)
	}
	return strings.Join(names, ", ")
}
