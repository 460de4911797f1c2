package memory

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/model"
)

func TestAccounts_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewAccounts()
	id := uuid.Must(uuid.NewV4())

	require.NoError(t, r.Create(ctx, &model.Account{ID: id, Email: "sara@example.com"}))
	require.ErrorIs(t, r.Create(ctx, &model.Account{ID: uuid.Must(uuid.NewV4()), Email: "sara@example.com"}), errs.ErrAlreadyExists)

	a, err := r.GetByEmail(ctx, "sara@example.com")
	require.NoError(t, err)
	require.Equal(t, id, a.ID)
	require.False(t, a.CreatedAt.IsZero())

	name := "Sara"
	require.NoError(t, r.UpdateProfile(ctx, id, model.ProfileUpdate{DisplayName: &name}))
	a.DisplayName = "mutated copy"
	got, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Sara", got.DisplayName)
	require.Empty(t, got.PhotoURL)

	require.NoError(t, r.Delete(ctx, id))
	_, err = r.GetByID(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, r.Delete(ctx, id), errs.ErrNotFound)
	require.ErrorIs(t, r.UpdateProfile(ctx, id, model.ProfileUpdate{}), errs.ErrNotFound)
}
