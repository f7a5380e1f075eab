package channels

import "strings"

// replyBuffer bounds each channel's inbound queue; the router drains it
// continuously, so backpressure here only matters during bursts.
const replyBuffer = 64

// BaseChannel carries the pieces every backend shares: name, allowlist,
// and the bounded reply stream. Backends embed it.
type BaseChannel struct {
	name      string
	allowList []string
	replies   chan Reply
}

// NewBaseChannel builds the shared state for a backend.
func NewBaseChannel(name string, allowList []string) BaseChannel {
	return BaseChannel{
		name:      name,
		allowList: allowList,
		replies:   make(chan Reply, replyBuffer),
	}
}

// Name returns the channel identifier.
func (b *BaseChannel) Name() string { return b.name }

// Replies returns the inbound stream.
func (b *BaseChannel) Replies() <-chan Reply { return b.replies }

// Deliver pushes a reply to the stream, dropping when the buffer is full
// rather than blocking the poller.
func (b *BaseChannel) Deliver(r Reply) bool {
	select {
	case b.replies <- r:
		return true
	default:
		return false
	}
}

// IsAllowed checks an identity of the form "channel:user_id" (or a bare
// user id) against the allowlist. Entries support the compound
// "id|username" form so one entry can match either a numeric ID or a
// display handle.
func (b *BaseChannel) IsAllowed(identity string) bool {
	if len(b.allowList) == 0 {
		return false
	}
	id := identity
	if idx := strings.Index(identity, ":"); idx >= 0 {
		id = identity[idx+1:]
	}
	idPart := id
	userPart := ""
	if idx := strings.Index(id, "|"); idx > 0 {
		idPart = id[:idx]
		userPart = id[idx+1:]
	}
	for _, allowed := range b.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}
		if allowedID != "" && allowedID == idPart {
			return true
		}
		if allowedUser != "" && allowedUser == userPart {
			return true
		}
		if userPart != "" && trimmed == userPart {
			return true
		}
	}
	return false
}
