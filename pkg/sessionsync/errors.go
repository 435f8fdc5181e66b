package sessionsync

import "github.com/pkg/errors"

var (
	// ErrSuperseded is returned by a load whose result was overtaken by a newer request.
	// It is never shown to the user.
	ErrSuperseded = errors.New("sessionsync: superseded by a newer request")
	ErrEmptyText  = errors.New("sessionsync: message text is empty")
	ErrNotFound   = errors.New("sessionsync: message not found")
	ErrNotFailed  = errors.New("sessionsync: message is not in failed state")
)

const (
	loadFailedText = "Couldn't load this conversation. Please try again."
	sendFailedText = "Failed to send message. Tap retry to try again."
)
