package blob

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDir_UploadRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDir(t.TempDir())

	u, err := d.Upload(ctx, "drivers/DR1/documents/id-front", strings.NewReader("front"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "file://"))
	require.True(t, strings.HasSuffix(u, "/drivers/DR1/documents/id-front"))

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	b, err := os.ReadFile(parsed.Path)
	require.NoError(t, err)
	require.Equal(t, "front", string(b))

	require.NoError(t, d.Remove(ctx, "drivers/DR1/documents/id-front"))
	require.NoError(t, d.Remove(ctx, "drivers/DR1/documents/id-front"))
	_, err = os.Stat(parsed.Path)
	require.True(t, os.IsNotExist(err))
}

func TestDir_RejectsEscapes(t *testing.T) {
	t.Parallel()
	d := NewDir(t.TempDir())
	_, err := d.Upload(context.Background(), "users/../../etc/passwd", strings.NewReader("x"))
	require.Error(t, err)
	_, err = d.Upload(context.Background(), "/", strings.NewReader("x"))
	require.Error(t, err)
}

func TestDir_CanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDir(t.TempDir()).Upload(ctx, "users/u1/p.png", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)
}
