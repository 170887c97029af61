package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/config"
	"invite-gate/internal/errs"
	"invite-gate/internal/transport"
)

const (
	ownerID     int64 = 1
	recipientID int64 = 42
	target            = "https://example.test/joingroup/abc123"
)

func protect(t *testing.T, f *gatewayFixture, token string) {
	t.Helper()
	f.gen.tokens = append(f.gen.tokens, token)
	require.NoError(t, f.gw.ProtectLink(context.Background(), privateCommand(ownerID, "protect", target)))
}

func withNewsChannel(policy config.MembershipPolicy) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.Gateway.RequiredChannels = []config.RequiredChannel{{Ref: "@news", JoinURL: "https://t.me/news"}}
		cfg.Gateway.MembershipPolicy = policy
	}
}

func TestGateway_ProtectAndRelease(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000001"
	protect(t, f, token)

	reply := f.messenger.last(t, ownerID)
	assert.Contains(t, reply.Text, "https://t.me/gate_bot?start=verify_"+token)
	require.Len(t, reply.Keyboard, 2)
	assert.Contains(t, reply.Keyboard[0][0].URL, "https://t.me/share/url?url=")
	assert.Equal(t, transport.CopyLink(token).Encode(), reply.Keyboard[1][0].Data)

	f.gen.queueCodes("04217")
	state, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)
	assert.Equal(t, StateChallengePending, state)

	prompt := f.messenger.last(t, recipientID)
	assert.NotContains(t, prompt.Text, "04217")
	require.Len(t, prompt.Keyboard, 1)
	assert.Equal(t, transport.Reveal(token).Encode(), prompt.Keyboard[0][0].Data)

	outcome, err := f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, " 04217 ")
	require.NoError(t, err)
	assert.Equal(t, SubmitReleased, outcome)

	released := f.messenger.last(t, recipientID)
	assert.Equal(t, msgVerified, released.Text)
	require.Len(t, released.Keyboard, 1)
	assert.Equal(t, target, released.Keyboard[0][0].URL)

	link, err := f.stores.links.Resolve(ctx, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, link.ReleaseCount)

	outcome, err = f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "04217")
	assert.Equal(t, SubmitNoPending, outcome)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Equal(t, msgNoPending, f.messenger.last(t, recipientID).Text)

	assert.Equal(t, []EventType{EventLinkProtected, EventVerificationReleased}, f.events.types())
}

func TestGateway_ConcurrentSubmissionsReleaseOnce(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000002"
	protect(t, f, token)

	f.gen.queueCodes("31337")
	_, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outcomes := make([]SubmitOutcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], _ = f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "31337")
		}()
	}
	wg.Wait()

	released := 0
	for _, o := range outcomes {
		if o == SubmitReleased {
			released++
		} else {
			assert.Equal(t, SubmitNoPending, o)
		}
	}
	assert.Equal(t, 1, released)

	link, err := f.stores.links.Resolve(ctx, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, link.ReleaseCount)
}

func TestGateway_ReissueReplacesChallenge(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000003"
	protect(t, f, token)

	f.gen.queueCodes("11111", "22222")
	for i := 0; i < 2; i++ {
		state, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
		require.NoError(t, err)
		assert.Equal(t, StateChallengePending, state)
	}

	ch, err := f.stores.challenges.Peek(ctx, recipientID)
	require.NoError(t, err)
	assert.Equal(t, "22222", ch.Code)

	free, err := f.stores.challenges.ReserveCode(ctx, "11111", 99)
	require.NoError(t, err)
	assert.True(t, free, "replaced code must be released")

	outcome, err := f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "22222")
	require.NoError(t, err)
	assert.Equal(t, SubmitReleased, outcome)
}

func TestGateway_IncorrectCodeConsumesChallenge(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000004"
	protect(t, f, token)

	f.gen.queueCodes("12345")
	_, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)

	outcome, err := f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "54321")
	assert.Equal(t, SubmitIncorrect, outcome)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, msgIncorrectCode, f.messenger.last(t, recipientID).Text)

	outcome, _ = f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "12345")
	assert.Equal(t, SubmitNoPending, outcome)

	link, err := f.stores.links.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Zero(t, link.ReleaseCount)
	assert.Contains(t, f.events.types(), EventVerificationFailed)
}

func TestGateway_MalformedInputIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000005"
	protect(t, f, token)

	f.gen.queueCodes("00042")
	_, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)
	before := len(f.messenger.sentTo(recipientID))

	for _, text := range []string{"0004", "000420", "00a42", "hello", ""} {
		outcome, err := f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, text)
		require.NoError(t, err, text)
		assert.Equal(t, SubmitIgnored, outcome, text)
	}

	assert.Len(t, f.messenger.sentTo(recipientID), before)
	ch, err := f.stores.challenges.Peek(ctx, recipientID)
	require.NoError(t, err)
	assert.Equal(t, "00042", ch.Code)
}

func TestGateway_ChallengeExpires(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000006"
	protect(t, f, token)

	f.gen.queueCodes("77777")
	_, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)

	f.stores.mr.FastForward(5*time.Minute + time.Second)

	outcome, _ := f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "77777")
	assert.Equal(t, SubmitNoPending, outcome)
}

func TestGateway_LinkExpiresDuringChallenge(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, func(cfg *config.Config) { cfg.Gateway.LinkTTL = time.Minute })
	token := "Tok0000000000007"
	protect(t, f, token)

	f.gen.queueCodes("88888")
	_, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)

	f.stores.mr.FastForward(2 * time.Minute)

	outcome, err := f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "88888")
	assert.Equal(t, SubmitLinkExpired, outcome)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Equal(t, msgLinkExpired, f.messenger.last(t, recipientID).Text)
}

func TestGateway_UnknownToken(t *testing.T) {
	f := newGatewayFixture(t, nil)

	state, err := f.gw.BeginVerification(context.Background(), transport.Sender{ID: recipientID}, "missing")
	assert.Equal(t, StateFailed, state)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Equal(t, msgLinkNotFound, f.messenger.last(t, recipientID).Text)
}

func TestGateway_MembershipGatesChallenge(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, withNewsChannel(config.MembershipFailOpen))
	token := "Tok0000000000008"
	protect(t, f, token)

	state, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)
	assert.Equal(t, StateChannelGatePending, state)

	_, err = f.stores.challenges.Peek(ctx, recipientID)
	assert.ErrorIs(t, err, errs.ErrNotFound, "no challenge before membership")

	prompt := f.messenger.last(t, recipientID)
	assert.Equal(t, msgJoinPrompt, prompt.Text)
	require.Len(t, prompt.Keyboard, 2)
	assert.Equal(t, "https://t.me/news", prompt.Keyboard[0][0].URL)
	assert.Equal(t, transport.Recheck(token).Encode(), prompt.Keyboard[1][0].Data)

	state, err = f.gw.RecheckMembership(ctx, button(recipientID, transport.Recheck(token)))
	require.NoError(t, err)
	assert.Equal(t, StateChannelGatePending, state)
	assert.Contains(t, f.messenger.answers, "Still missing: @news")

	f.messenger.setStatus("@news", transport.MemberMember)
	state, err = f.gw.RecheckMembership(ctx, button(recipientID, transport.Recheck(token)))
	require.NoError(t, err)
	assert.Equal(t, StateChallengePending, state)

	_, err = f.stores.challenges.Peek(ctx, recipientID)
	assert.NoError(t, err)
}

func TestGateway_MembershipPolicy(t *testing.T) {
	cases := map[config.MembershipPolicy]VerificationState{
		config.MembershipFailOpen:   StateChallengePending,
		config.MembershipFailClosed: StateChannelGatePending,
	}
	for policy, want := range cases {
		t.Run(string(policy), func(t *testing.T) {
			f := newGatewayFixture(t, withNewsChannel(policy))
			token := "Tok0000000000009"
			protect(t, f, token)
			f.messenger.statusErr["@news"] = errors.New("network unreachable")

			state, err := f.gw.BeginVerification(context.Background(), transport.Sender{ID: recipientID}, token)
			require.NoError(t, err)
			assert.Equal(t, want, state)
		})
	}
}

func TestGateway_TokenCollisionRetries(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)

	f.gen.tokens = []string{"AAAAAAAAAAAAAAAA", "AAAAAAAAAAAAAAAA", "BBBBBBBBBBBBBBBB"}
	first, err := f.gw.CreateLink(ctx, ownerID, target)
	require.NoError(t, err)
	second, err := f.gw.CreateLink(ctx, ownerID, target)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAA", first)
	assert.Equal(t, "BBBBBBBBBBBBBBBB", second)

	f.gen.tokens = []string{"AAAAAAAAAAAAAAAA", "BBBBBBBBBBBBBBBB"}
	_, err = f.gw.CreateLink(ctx, ownerID, target)
	assert.True(t, errs.Is(err, errs.KindTransientStore))
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestGateway_CodeCollisionRetries(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000010"
	protect(t, f, token)

	f.gen.queueCodes("55555", "55555", "66666")
	_, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)
	_, err = f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID + 1}, token)
	require.NoError(t, err)

	ch, err := f.stores.challenges.Peek(ctx, recipientID+1)
	require.NoError(t, err)
	assert.Equal(t, "66666", ch.Code)

	f.gen.queueCodes("55555", "55555", "55555", "55555", "55555")
	state, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID + 2}, token)
	assert.Equal(t, StateStart, state)
	assert.True(t, errs.Is(err, errs.KindTransientStore))
	assert.Equal(t, msgTryAgain, f.messenger.last(t, recipientID+2).Text)
}

func TestGateway_ProtectRejections(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)

	err := f.gw.ProtectLink(ctx, privateCommand(ownerID, "protect", "http://evil.example/joinchat/x"))
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, msgInvalidLink, f.messenger.last(t, ownerID).Text)

	err = f.gw.ProtectLink(ctx, privateCommand(ownerID, "protect"))
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, msgProtectUsage, f.messenger.last(t, ownerID).Text)

	group := privateCommand(ownerID, "protect", target)
	group.Conversation = transport.Conversation{ID: -100, Kind: transport.ConversationSupergroup}
	err = f.gw.ProtectLink(ctx, group)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, msgPrivateOnly, f.messenger.last(t, -100).Text)

	n, err := f.stores.links.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGateway_CopyLinkOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000011"
	protect(t, f, token)

	err := f.gw.CopyLink(ctx, button(recipientID, transport.CopyLink(token)))
	assert.True(t, errs.Is(err, errs.KindAuthorization))
	assert.Contains(t, f.messenger.answers, msgNotOwner)
	assert.Empty(t, f.messenger.edits)

	require.NoError(t, f.gw.CopyLink(ctx, button(ownerID, transport.CopyLink(token))))
	require.Len(t, f.messenger.edits, 1)
	assert.Equal(t, f.gw.DeepLink(token), f.messenger.edits[0].Text)
}

func TestGateway_RevealCode(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, nil)
	token := "Tok0000000000012"
	protect(t, f, token)

	f.gen.queueCodes("24680")
	_, err := f.gw.BeginVerification(ctx, transport.Sender{ID: recipientID}, token)
	require.NoError(t, err)

	require.NoError(t, f.gw.RevealCode(ctx, button(recipientID, transport.Reveal(token))))
	require.Len(t, f.messenger.edits, 1)
	assert.Contains(t, f.messenger.edits[0].Text, "24680")

	err = f.gw.RevealCode(ctx, button(recipientID, transport.Reveal("OtherToken")))
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Equal(t, msgChallengeExpired, f.messenger.edits[1].Text)

	// Revealing does not consume.
	outcome, err := f.gw.SubmitCode(ctx, transport.Sender{ID: recipientID}, "24680")
	require.NoError(t, err)
	assert.Equal(t, SubmitReleased, outcome)
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "5 minutes", humanDuration(5*time.Minute))
	assert.Equal(t, "5 minutes", humanDuration(5*time.Minute-10*time.Millisecond))
	assert.Equal(t, "1 minute", humanDuration(time.Minute))
	assert.Equal(t, "45 seconds", humanDuration(44*time.Second+time.Millisecond))
	assert.Equal(t, "0 seconds", humanDuration(-time.Second))
}
