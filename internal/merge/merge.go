// Package merge folds an identity and a profile record into the canonical SessionState.
package merge

import "github.com/and161185/taxi-session/internal/model"

// DefaultFullName is used when neither the profile nor the identity carries a name.
const DefaultFullName = "User"

// Merge builds the SessionState for id from profile found in collection c.
// It is pure and total: missing fields fall through to the next source or a default.
//
// Identity wins for uid and email; the profile wins for name, photo and type.
func Merge(id model.Identity, profile model.Record, c model.Collection) model.SessionState {
	fields := make(map[string]any, len(profile))
	for k, v := range profile {
		fields[k] = v
	}
	for _, k := range []string{model.KeyUID, model.KeyEmail, model.KeyFullName, model.KeyPhotoURL, model.KeyUserType} {
		delete(fields, k)
	}

	return model.SessionState{
		UID:      id.UID,
		Email:    first(id.Email, profile.String("email")),
		FullName: first(profile.String("fullName"), profile.String("name"), id.DisplayName, DefaultFullName),
		PhotoURL: first(profile.String("imageUrl"), profile.String("photoUrl"), id.PhotoURL),
		UserType: model.Collection(first(profile.String("role"), profile.String("userType"), string(c))),
		Fields:   fields,
	}
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
