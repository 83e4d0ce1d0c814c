package mock

import (
	context "context"
	reflect "reflect"

	chain "github.com/emberworks/geomint/geomint/chain"
	gomock "go.uber.org/mock/gomock"
)

// MockSettlement is a mock of Settlement interface.
type MockSettlement struct {
	ctrl     *gomock.Controller
	recorder *MockSettlementMockRecorder
	isgomock struct{}
}

// MockSettlementMockRecorder is the mock recorder for MockSettlement.
type MockSettlementMockRecorder struct {
	mock *MockSettlement
}

// NewMockSettlement creates a new mock instance.
func NewMockSettlement(ctrl *gomock.Controller) *MockSettlement {
	mock := &MockSettlement{ctrl: ctrl}
	mock.recorder = &MockSettlementMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockSettlement) EXPECT() *MockSettlementMockRecorder {
	return m.recorder
}

// SubmitMint mocks base method.
func (m *MockSettlement) SubmitMint(ctx context.Context, payload chain.MintPayload) (string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SubmitMint", ctx, payload)
	ret0, _ := ret[0].(string)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// SubmitMint indicates an expected call of SubmitMint.
func (mr *MockSettlementMockRecorder) SubmitMint(ctx, payload any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SubmitMint", reflect.TypeOf((*MockSettlement)(nil).SubmitMint), ctx, payload)
}
