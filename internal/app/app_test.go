package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/config"
	"threadline/pkg/models"
	"threadline/pkg/state"
)

func effective(t *testing.T) (config.EffectiveConfigResult, state.Paths) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.DBPath = t.TempDir()
	cfg.Generation.ChunkDelay = config.Duration(time.Millisecond)
	eff := config.EffectiveConfigResult{Config: cfg, Addr: cfg.Addr(), DBPath: cfg.Server.DBPath, Source: "defaults"}
	require.NoError(t, config.ValidateConfig(eff))
	paths, err := state.Init(eff.DBPath)
	require.NoError(t, err)
	return eff, paths
}

func TestNewWiresComponents(t *testing.T) {
	eff, paths := effective(t)
	a, err := New(eff, paths, "test", "none", "unknown")
	require.NoError(t, err)

	assert.False(t, a.ready(), "not ready before Run")
	require.NotNil(t, a.api)
	require.NotNil(t, a.feed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
}

func TestRecoverReleasesInterruptedTurns(t *testing.T) {
	eff, paths := effective(t)
	a, err := New(eff, paths, "test", "none", "unknown")
	require.NoError(t, err)

	c, err := a.db.CreateConversation(models.Conversation{AccountID: "acct1", DefaultAgentID: "helper"})
	require.NoError(t, err)
	m, _, err := a.db.AppendMessage(models.Message{ConversationID: c.ID, Role: models.RoleAgent, AuthorAgentID: "helper"},
		func(c *models.Conversation, m models.Message) error {
			c.RespondingAgentID = "helper"
			c.RespondingMessageID = m.ID
			return nil
		})
	require.NoError(t, err)

	n, err := a.scheduler.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := a.db.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	conv, err := a.db.GetConversation(c.ID)
	require.NoError(t, err)
	assert.False(t, conv.AgentResponding())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
}
