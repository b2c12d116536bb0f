package credstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTokenAbsentByDefault(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "creds.db"))

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Empty(t, tok)
}

func TestSetAndGetToken(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "creds.db"))
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, "T1"))

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "T1", tok)
}

func TestSetTokenReplacesPrevious(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "creds.db"))
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, "T1"))
	require.NoError(t, s.SetToken(ctx, "T2"))

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "T2", tok)
}

func TestDeleteToken(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "creds.db"))
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, "T1"))
	require.NoError(t, s.DeleteToken(ctx))

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, tok)
}

func TestDeleteAbsentTokenIsNoop(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "creds.db"))

	require.NoError(t, s.DeleteToken(context.Background()))
}

func TestTokenSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetToken(ctx, "persisted"))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	tok, err := reopened.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "persisted", tok)
}
