package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	pkgcontext "github.com/socialgouv/fcpd-server/pkg/context"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

func TestJSONLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogrusLoggerWithOutput("debug", "json", &buf)

	log = WithComponent(log, "bridge")
	log = WithError(log, errors.New("boom"))
	log.WithField(FieldState, "Listening").Info("transition")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "bridge", entry[FieldComponent])
	require.Equal(t, "boom", entry[FieldError])
	require.Equal(t, "Listening", entry[FieldState])
	require.Equal(t, "transition", entry["msg"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogrusLoggerWithOutput("warn", "text", &buf)

	log.Info("hidden")
	require.Zero(t, buf.Len())

	log.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogrusLoggerWithOutput("info", "json", &buf)

	ctx := pkgcontext.WithRequestID(context.Background(), "req-1")
	ctx = pkgcontext.WithSessionInfo(ctx, &types.SessionInfo{
		SessionID: "s-1",
		Address:   types.BridgeAddress{Host: "127.0.0.1", Port: 8888},
	})

	LoggerFromContext(ctx, log).Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "req-1", entry[FieldRequestID])
	require.Equal(t, "s-1", entry["session_id"])
	require.Equal(t, "127.0.0.1:8888", entry[FieldAddress])
}
