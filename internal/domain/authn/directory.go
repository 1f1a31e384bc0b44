package authn

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/ehr-auth/internal/domain/mfa"
)

// Directory exposes user contact details to the MFA gate.
type Directory struct {
	users UserRepository
}

func NewDirectory(users UserRepository) *Directory {
	return &Directory{users: users}
}

func (d *Directory) Contact(ctx context.Context, userID uuid.UUID) (*mfa.Contact, error) {
	u, err := d.users.GetByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, mfa.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mfa.Contact{UserID: u.ID, OrgID: u.OrgID, Email: u.Email, Name: u.Name}, nil
}
