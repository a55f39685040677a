package payments

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreatePayment(ctx context.Context, amountEUR int, description string, metadata map[string]string) (Payment, error) {
	args := m.Called(ctx, amountEUR, description, metadata)
	return args.Get(0).(Payment), args.Error(1)
}

func (m *MockProvider) GetPayment(ctx context.Context, paymentId string) (Payment, error) {
	args := m.Called(ctx, paymentId)
	return args.Get(0).(Payment), args.Error(1)
}
