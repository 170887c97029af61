package service

import (
	"errors"
	"fmt"
	"strings"

	"invite-gate/internal/errs"
)

// User-facing text.
const (
	msgInvalidLink        = "❌ Please provide a valid invite link, for example https://t.me/joinchat/ABCD1234"
	msgProtectUsage       = "Usage: /protect <invite_link>\n\nExample: /protect https://t.me/joinchat/ABCD1234"
	msgPrivateOnly        = "⚠️ Please use this command in a private chat with me."
	msgLinkNotFound       = "❌ Invalid or expired verification link."
	msgLinkExpired        = "❌ The link has expired or been deleted."
	msgNoPending          = "No pending verification found. Please use a valid verification link."
	msgIncorrectCode      = "❌ Incorrect code. Open the verification link again to get a new one."
	msgChallengeExpired   = "⌛ This code has expired. Open the verification link again."
	msgTryAgain           = "⚠️ Something went wrong. Please try again in a moment."
	msgNotPermitted       = "❌ This command is only for administrators."
	msgNotOwner           = "Only the owner of this link can do that."
	msgJoinPrompt         = "🔒 To continue, join the following first, then tap \"✅ I've joined\":"
	msgStillMissing       = "Still missing: %s"
	msgMembershipOK       = "✅ Membership confirmed."
	msgChallengeIssued    = "🔒 Verification required!\n\nTap \"Reveal code\" and send the 5-digit code back to me within %s to get the link."
	msgChallengeRevealed  = "🔒 Your code is: %s\n\nSend it back to me within %s to get the link."
	msgVerified           = "✅ Verification successful! Tap the button below to open the link."
	msgLinkProtected      = "✅ Link protected successfully!\n\nProtected link: %s\n\nShare it. Users complete a verification before they get the real link."
	msgNoRecipients       = "There are no recipients to broadcast to."
	msgBroadcastUsage     = "📢 Broadcast usage:\n\n1. Text: /broadcast Your message here\n2. Media: reply to any message (photo, video, sticker, document, audio, voice, GIF or poll) with /broadcast"
	msgBroadcastStarted   = "📢 Broadcasting to %d recipients..."
	msgBroadcastProgress  = "🔄 Sent: %d/%d"
	msgUnsupportedPayload = "📢 A new announcement was posted, but it cannot be shown here."
	msgWelcome            = "👋 Welcome! I protect invite links behind a quick verification.\n\nSend /protect <invite_link> to get a protected link you can share."
	msgAdminHelp          = "\n\nAdmin commands:\n/stats - bot statistics\n/users [page] - recent users\n/health - backend status\n/broadcast <text> - or reply to a message to mirror it"
	msgNoUsers            = "👥 No users yet."
)

const (
	ctlShare     = "🔗 Share Protected Link"
	ctlCopy      = "📋 Copy Link"
	ctlJoin      = "➕ Join %s"
	ctlRecheck   = "✅ I've joined"
	ctlReveal    = "👁 Reveal code"
	ctlOpen      = "🚪 Open link"
	ctlPrevPage  = "⬅️ Previous"
	ctlNextPage  = "Next ➡️"
	noticeCopied = "Link shown below."
)

// UserMessage maps a classified error to the text the user sees.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *errs.Error
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindNotFound:
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return msgLinkNotFound
	case errs.KindAuthorization:
		return msgNotPermitted
	default:
		return msgTryAgain
	}
}

func broadcastSummary(total, succeeded, failed int, rate float64, runID string, cancelled bool) string {
	var b strings.Builder
	if cancelled {
		b.WriteString("⏹ Broadcast stopped early.\n\n")
	} else {
		b.WriteString("✅ Broadcast complete!\n\n")
	}
	fmt.Fprintf(&b, "Recipients: %d\nSucceeded: %d\nFailed: %d\nSuccess rate: %.1f%%\n\nRun ID: %s",
		total, succeeded, failed, rate, runID)
	return b.String()
}
