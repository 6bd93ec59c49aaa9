package sessionmock

import (
	"context"

	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

var _ session.Manager = (*MockStore)(nil)

func (m *MockStore) Load(ctx context.Context, mprn string) (*types.AuthSession, error) {
	args := m.Called(ctx, mprn)
	sess, _ := args.Get(0).(*types.AuthSession)
	return sess, args.Error(1)
}

func (m *MockStore) Save(ctx context.Context, sess types.AuthSession) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *MockStore) SaveManual(ctx context.Context, mprn, raw, userAgent string) (types.AuthSession, error) {
	args := m.Called(ctx, mprn, raw, userAgent)
	if len(args) > 0 {
		return args.Get(0).(types.AuthSession), args.Error(1)
	}
	return types.AuthSession{}, nil
}

func (m *MockStore) Invalidate(ctx context.Context, mprn string) error {
	args := m.Called(ctx, mprn)
	return args.Error(0)
}
