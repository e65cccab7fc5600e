package events

import "errors"

// ErrUnavailable marks a channel that cannot currently accept or deliver
// messages. The gateway maps it to a retryable 503; submit paths must
// surface it rather than dropping the command.
var ErrUnavailable = errors.New("events: channel unavailable")
