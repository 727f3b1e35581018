package domain

import "strings"

// Destination prefixes. Per-user queues end in the user ID.
const (
	QueueMessagesPrefix = "/queue/messages/"
	QueueCallsPrefix    = "/queue/calls/"
	QueueErrorsPrefix   = "/queue/errors/"
	QueuePongPrefix     = "/queue/pong/"

	TopicStatus = "/topic/status"

	// userPrefix lets clients subscribe to "/user/queue/messages" without
	// knowing their own ID; it resolves to the session's user.
	userPrefix = "/user"
)

// Application destinations carried by SEND frames.
const (
	AppMessageSend  = "/app/message.send"
	AppCallInvite   = "/app/call.invite"
	AppCallAccept   = "/app/call.accept"
	AppCallReject   = "/app/call.reject"
	AppCallEnd      = "/app/call.end"
	AppCallCancel   = "/app/call.cancel"
	AppStatusUpdate = "/app/status.update"
	AppPing         = "/app/ping"
)

// QueueMessages is the direct chat destination for userID.
func QueueMessages(userID string) string { return QueueMessagesPrefix + userID }

// QueueCalls is the call signaling destination for userID.
func QueueCalls(userID string) string { return QueueCallsPrefix + userID }

// QueueErrors is the per-session error channel for userID.
func QueueErrors(userID string) string { return QueueErrorsPrefix + userID }

// QueuePong receives ping replies for userID.
func QueuePong(userID string) string { return QueuePongPrefix + userID }

var userQueuePrefixes = []string{
	QueueMessagesPrefix,
	QueueCallsPrefix,
	QueueErrorsPrefix,
	QueuePongPrefix,
}

// ResolveSubscription maps a requested subscription destination to the
// concrete destination for userID. ok is false when the destination does
// not exist or belongs to another user.
func ResolveSubscription(dest, userID string) (string, bool) {
	if dest == TopicStatus {
		return dest, true
	}
	if rest, found := strings.CutPrefix(dest, userPrefix); found && strings.HasPrefix(rest, "/queue/") {
		dest = strings.TrimSuffix(rest, "/") + "/" + userID
	}
	for _, p := range userQueuePrefixes {
		if owner, found := strings.CutPrefix(dest, p); found {
			return dest, owner == userID
		}
	}
	return "", false
}
