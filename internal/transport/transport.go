// Package transport defines the messaging port the gateway and broadcaster talk
// through, and the normalised inbound events that drive them.
package transport

import (
	"context"
	"errors"
	"fmt"

	"invite-gate/internal/models"
)

// MessageRef identifies a previously sent message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// PressRef identifies a button press awaiting acknowledgement.
type PressRef string

// Control is an inline button: either a URL or an opaque callback payload.
type Control struct {
	Text string
	URL  string
	Data string
}

func URLControl(text, url string) Control {
	return Control{Text: text, URL: url}
}

func CallbackControl(text string, cb Callback) Control {
	return Control{Text: text, Data: cb.Encode()}
}

// Keyboard is a grid of controls, one slice per row.
type Keyboard [][]Control

// Row is shorthand for a single-row keyboard fragment.
func Row(controls ...Control) []Control {
	return controls
}

type Sender struct {
	ID          int64
	DisplayName string
	Handle      string
}

func (s Sender) Profile() models.Profile {
	return models.Profile{ID: s.ID, DisplayName: s.DisplayName, Handle: s.Handle}
}

type ConversationKind string

const (
	ConversationPrivate    ConversationKind = "private"
	ConversationGroup      ConversationKind = "group"
	ConversationSupergroup ConversationKind = "supergroup"
	ConversationChannel    ConversationKind = "channel"
)

type Conversation struct {
	ID   int64
	Kind ConversationKind
}

func (c Conversation) IsPrivate() bool {
	return c.Kind == ConversationPrivate
}

// MemberStatus is a user's standing in a group or channel.
type MemberStatus string

const (
	MemberCreator       MemberStatus = "creator"
	MemberAdministrator MemberStatus = "administrator"
	MemberMember        MemberStatus = "member"
	MemberRestricted    MemberStatus = "restricted"
	MemberLeft          MemberStatus = "left"
	MemberKicked        MemberStatus = "kicked"
)

// Joined reports whether the status counts as membership. Adapters map a
// restricted user that is still in the chat to MemberMember.
func (s MemberStatus) Joined() bool {
	switch s {
	case MemberCreator, MemberAdministrator, MemberMember:
		return true
	}
	return false
}

// Messenger is the outbound side of the messaging platform.
type Messenger interface {
	SendText(ctx context.Context, to int64, text string, kb Keyboard) (MessageRef, error)
	// SendMedia delivers a non-text payload by platform file reference.
	SendMedia(ctx context.Context, to int64, p models.Payload, kb Keyboard) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, text string, kb Keyboard) error
	AnswerButtonPress(ctx context.Context, press PressRef, notice string) error
	GetMembershipStatus(ctx context.Context, groupRef string, userID int64) (MemberStatus, error)
}

// Event is one normalised inbound update.
type Event interface {
	From() Sender
}

// CommandEvent is a /command. RawArgs keeps the argument text verbatim; Reply is
// the message the command answered, resolved to a payload once at ingestion.
type CommandEvent struct {
	Name         string
	Args         []string
	RawArgs      string
	Sender       Sender
	Conversation Conversation
	Reply        *models.Payload
}

type TextEvent struct {
	Text         string
	Sender       Sender
	Conversation Conversation
}

// ButtonEvent is a press on a callback control. Callback.Action is ActionNone
// when the payload failed to decode.
type ButtonEvent struct {
	Press    PressRef
	Callback Callback
	Sender   Sender
	Message  *MessageRef
}

func (e CommandEvent) From() Sender { return e.Sender }
func (e TextEvent) From() Sender    { return e.Sender }
func (e ButtonEvent) From() Sender  { return e.Sender }

// DeliveryError is a failed outbound call, classified by the adapter.
type DeliveryError struct {
	Op        string
	Code      int
	Reason    string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err means the recipient can never be reached:
// the sender was blocked or the conversation no longer exists.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// Reason is a short machine-friendly description of a delivery failure.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}
