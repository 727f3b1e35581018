package audit

import (
	"context"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// Audit actions for the realtime service.
const (
	ActionConnect      = "realtime.connect"
	ActionAuthFailed   = "realtime.auth_failed"
	ActionDisconnect   = "realtime.disconnect"
	ActionSuperseded   = "realtime.superseded"
	ActionEvicted      = "realtime.evicted"
	ActionSendMessage  = "realtime.send_message"
	ActionCallInvite   = "realtime.call_invite"
	ActionCallAnswer   = "realtime.call_answer"
	ActionStatusUpdate = "realtime.status_update"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogTarget emits an audit entry about an action userID took on targetID.
func LogTarget(ctx context.Context, action, userID, targetID, detail, msg string) {
	l := log.Ctx(ctx)
	evt := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldTargetID, targetID)
	if detail != "" {
		evt = evt.Str(FieldDetail, detail)
	}
	evt.Msg(msg)
}
