package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// PublisherMock stands in for the broker publisher and the event sink.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *PublisherMock) Mode() string {
	return "mock"
}

// ExpectPublish expects one publish on routingKey whose event satisfies match,
// with any context and headers.
func (m *PublisherMock) ExpectPublish(routingKey string, match func(event any) bool) *mock.Call {
	return m.On("Publish", mock.Anything, routingKey, mock.MatchedBy(match), mock.Anything)
}

// RoutingKeys lists the routing keys published so far, in call order.
func (m *PublisherMock) RoutingKeys() []string {
	var keys []string
	for _, call := range m.Calls {
		if call.Method == "Publish" {
			keys = append(keys, call.Arguments.String(1))
		}
	}
	return keys
}
