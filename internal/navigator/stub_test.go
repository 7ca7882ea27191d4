package navigator

import (
	"context"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/model"
)

type stubProvider struct{}

func (stubProvider) SignInInteractively(context.Context) (*auth.ProviderResult, error) {
	return &auth.ProviderResult{IDToken: "T"}, nil
}

func (stubProvider) SignInSilently(context.Context) (*auth.ProviderResult, error) {
	return nil, auth.ErrNoPriorSession
}

func (stubProvider) SignOut(context.Context) error { return nil }

type stubBackend struct{}

func (stubBackend) ExchangeIdentityToken(context.Context, model.Provider, string) (*model.Session, error) {
	return &model.Session{UserID: "u1", Email: "a@b.com"}, nil
}

func (stubBackend) SignOut(context.Context) error { return nil }
