package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/mocks"
)

func TestPublishStampsAndForwards(t *testing.T) {
	pub := new(mocks.PublisherMock)
	SetSink(pub)
	t.Cleanup(func() { SetSink(nil) })

	pub.On("Publish", mock.Anything, RoutingMessages, mock.MatchedBy(func(ev any) bool {
		e, ok := ev.(Event)
		return ok && e.Name == "message_created" && !e.OccurredAt.IsZero()
	}), map[string]string{"x-request-id": "r1", "trace_id": "t1"}).Return(nil).Once()

	err := Publish(context.Background(), RoutingMessages, Event{Name: "message_created"}, Trace{RequestID: "r1", TraceID: "t1"})
	require.NoError(t, err)
	pub.AssertExpectations(t)
}

func TestPublishCountsFailures(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, RoutingSocket, mock.Anything, mock.Anything).Return(assert.AnError)
	SetSink(pub)
	t.Cleanup(func() { SetSink(nil) })

	failures := eventPublishFailures.WithLabelValues(RoutingSocket)
	before := testutil.ToFloat64(failures)
	require.ErrorIs(t, Publish(context.Background(), RoutingSocket, Event{Name: SocketError}, Trace{}), assert.AnError)
	assert.Equal(t, before+1, testutil.ToFloat64(failures))
	assert.Equal(t, []string{RoutingSocket}, pub.RoutingKeys())
}

func TestPublishWithoutSink(t *testing.T) {
	SetSink(nil)
	assert.NoError(t, Publish(context.Background(), RoutingChats, Event{Name: "chat_created"}, Trace{}))
}

func TestTraceHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, Trace{RequestID: "r", TraceID: "t"}.Headers())
	assert.Empty(t, Trace{}.Headers())
}

func TestMetaFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.9:4411"
	r.Header.Set(HeaderDeviceID, "phone-1")
	assert.Equal(t, RequestMeta{DeviceID: "phone-1", IP: "10.0.0.9"}, MetaFromRequest(r))

	r.Header.Set("X-Real-Ip", "192.0.2.4")
	assert.Equal(t, "192.0.2.4", MetaFromRequest(r).IP)

	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", MetaFromRequest(r).IP)
}

func TestEnsureRequestID(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	id := EnsureRequestID(r)
	require.NotEmpty(t, id)
	assert.Equal(t, id, r.Header.Get(HeaderRequestID))
	assert.Equal(t, id, EnsureRequestID(r))
}
