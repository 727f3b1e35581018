package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

func TestLogTarget(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.WithLogger(context.Background(), zerolog.New(&buf))

	LogTarget(ctx, ActionCallInvite, "alice", "bob", "VIDEO", "call invited")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, log.LogTypeAudit, entry[log.FieldLogType])
	assert.Equal(t, ActionCallInvite, entry[FieldAction])
	assert.Equal(t, "alice", entry[log.FieldUserID])
	assert.Equal(t, "bob", entry[FieldTargetID])
	assert.Equal(t, "VIDEO", entry[FieldDetail])
	assert.Equal(t, "call invited", entry["message"])
}

func TestLogOmitsEmptyDetail(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.WithLogger(context.Background(), zerolog.New(&buf))

	Log(ctx, ActionConnect, "alice", "connected")
	LogTarget(ctx, ActionSendMessage, "alice", "bob", "", "sent")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.NotContains(t, string(lines[1]), FieldDetail)
}
