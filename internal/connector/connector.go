package connector

import "context"

// Connector is the interface for the messaging platform the bot listens on.
type Connector interface {
	// Name returns the connector type (e.g., "telegram").
	Name() string
	// Start begins listening for inbound events. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error

	Messenger
}

// Messenger is the outbound half of the transport: everything the bot needs
// to render drafts, edit toggle keyboards in place and fetch media.
type Messenger interface {
	// Send delivers plain text and returns the platform message ID.
	Send(ctx context.Context, chatID int64, text string) (int, error)
	// SendKeyboard delivers text with an inline keyboard attached.
	SendKeyboard(ctx context.Context, chatID int64, text string, kb Keyboard) (int, error)
	// Edit replaces the text and keyboard of a previously sent message.
	Edit(ctx context.Context, chatID int64, messageID int, text string, kb Keyboard) error
	// AnswerCallback acknowledges a button click, optionally with a toast.
	AnswerCallback(ctx context.Context, callbackID, text string) error
	// Download resolves a media reference to its raw bytes.
	Download(ctx context.Context, ref MediaRef) ([]byte, error)
}

// Button is one inline keyboard button. Data is the opaque callback payload.
type Button struct {
	Text string
	Data string
}

// Keyboard is rows of buttons.
type Keyboard [][]Button

// MediaRef points at a platform-hosted file.
type MediaRef struct {
	FileID string
	MIME   string
}

// Callback is a button-click event.
type Callback struct {
	ID        string // platform callback ID, for acknowledgment
	Data      string // payload encoded by the bot: action:authorUserID[:extra]
	MessageID int    // message the keyboard was attached to
}

// Event is one inbound occurrence from the platform. Exactly one of Text,
// Voice, Photo or Callback content is meaningful per event; Text doubles as
// the caption for media-bearing messages.
type Event struct {
	ChatID    int64
	UserID    int64
	Username  string
	MessageID int
	Group     bool
	Text      string
	Voice     *MediaRef
	Photo     *MediaRef
	Callback  *Callback
}

// Handler processes inbound events. Errors are logged by the connector; they
// never propagate back to the platform (the transport is always acked).
type Handler func(ctx context.Context, ev Event) error
