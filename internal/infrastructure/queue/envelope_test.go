package queue

import (
	"testing"

	"github.com/appforge/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeStripsSecret(t *testing.T) {
	req := domain.TaskRequest{
		Email:  "a@x.com",
		Task:   "demo1",
		Round:  domain.RoundRevision,
		Nonce:  "n1",
		Brief:  "todo app",
		Secret: "S",
	}
	body, err := EncodeEnvelope("run-1", req)
	require.NoError(t, err)
	assert.NotContains(t, string(body), `"secret"`)

	env, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "run-1", env.RunID)
	assert.Empty(t, env.Request.Secret)
	assert.Equal(t, "a@x.com::demo1::round2::noncen1", env.Request.IdempotencyKey())
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"run_id":"","request":{"task":"demo1"}}`))
	assert.Error(t, err)
}
