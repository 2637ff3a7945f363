package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/internal/auth"
	"collabsync/internal/session"
	"collabsync/internal/transport/memory"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"token", "join"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	level := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, level)
	assert.Equal(t, "warn", level.DefValue)
}

func TestTokenCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "ada", "--name", "Ada", "--session", "doc-1", "--secret", "s3cret"})
	require.NoError(t, cmd.Execute())

	tok := strings.TrimSpace(out.String())
	claims, err := auth.VerifyToken(tok, auth.DefaultTokenConfig("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "ada", claims.ParticipantID())
	assert.True(t, claims.Allows("doc-1"))
	assert.False(t, claims.Allows("doc-2"))

	id, err := identityFromToken(tok)
	require.NoError(t, err)
	assert.Equal(t, session.Identity{ID: "ada", Name: "Ada"}, id)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("MASTER_SECRET", "")
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--user", "ada"})
	require.Error(t, cmd.Execute())
}

func TestExecLine(t *testing.T) {
	bus := memory.NewBus()
	s := session.New(session.DefaultConfig("doc-1", session.Identity{ID: "ada", Name: "Ada"}), bus.Client("ada"), session.NopObserver{})
	defer s.Close()
	require.NoError(t, s.Open())

	var out bytes.Buffer
	run := func(line string) bool {
		out.Reset()
		quit, err := execLine(s, line, &out)
		require.NoError(t, err, line)
		return quit
	}

	run("comment para-1 looks good")
	require.Contains(t, out.String(), "pending")

	require.Eventually(t, func() bool {
		run("comments")
		return strings.Contains(out.String(), "ada@para-1: looks good")
	}, time.Second, 10*time.Millisecond)

	id := strings.Fields(out.String())[0]
	run("edit " + id + " looks great")
	require.Eventually(t, func() bool {
		run("comments")
		return strings.Contains(out.String(), "ada@para-1: looks great")
	}, time.Second, 10*time.Millisecond)

	run("view para-1 2 0.5")
	require.Eventually(t, func() bool {
		run("who")
		return strings.Contains(out.String(), "view=para-1/p2@0.5")
	}, time.Second, 10*time.Millisecond)
	_, err := execLine(s, "view para-1 -1 0", &out)
	require.ErrorIs(t, err, session.ErrInvalidView)

	run("cursor 3 4")
	require.Eventually(t, func() bool {
		run("who")
		return strings.Contains(out.String(), "cursor=3,4")
	}, time.Second, 10*time.Millisecond)

	_, err = execLine(s, "select 5 2", &out)
	require.ErrorIs(t, err, session.ErrInvalidSelection)
	_, err = execLine(s, "cursor x", &out)
	require.ErrorIs(t, err, errUsage)
	_, err = execLine(s, "dance", &out)
	require.Error(t, err)

	require.True(t, run("quit"))
}
