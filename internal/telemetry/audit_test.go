package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"quantum-server/internal/mocks"
	"quantum-server/internal/telemetry"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(publisher, "audit.commands", "quantum-server", "test")

	var captured telemetry.AuditEnvelope
	publisher.On("Publish", mock.Anything, "audit.commands", mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(2).(telemetry.AuditEnvelope)
		}).
		Return(nil).Once()

	userID := "2a1f1f5e-9a51-4f6c-9a51-000000000001"
	emitter.Emit(context.Background(), "send_message", "ok", "", &userID)

	publisher.AssertExpectations(t)
	assert.Equal(t, 1, captured.SchemaVersion)
	assert.Equal(t, "command_audit", captured.EventType)
	assert.Equal(t, "quantum-server", captured.Service)
	assert.Equal(t, "test", captured.Environment)
	require.NotNil(t, captured.UserID)
	assert.Equal(t, userID, *captured.UserID)
	assert.Equal(t, "send_message", captured.Payload.Command)
	assert.Equal(t, "ok", captured.Payload.Outcome)
	assert.NotEmpty(t, captured.OccurredAt)
}

func TestEmitNilEmitterIsSafe(t *testing.T) {
	var emitter *telemetry.AuditEmitter
	emitter.Emit(context.Background(), "send_message", "ok", "", nil)
}
