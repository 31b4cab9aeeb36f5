package redisstream

import (
	stderrors "errors"
	"testing"

	"github.com/corvid-systems/streamcore/pkg/test"
)

type SinkTestSuite struct {
	*test.Suite
}

func TestSinkTestSuite(t *testing.T) {
	test.Run(t, &SinkTestSuite{Suite: test.NewSuite()})
}

func (s *SinkTestSuite) TestPublishUsesDefaultStream() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	sink := NewSink(SinkConfig{Stream: "orders"}, client)

	id, err := sink.Publish(s.Ctx, OutboundMessage{Type: "widget", Payload: &widget{Name: "gizmo"}})
	s.Require().NoError(err)
	s.NotEmpty(id)

	_, err = client.XGroupCreate(s.Ctx, "orders", "workers", "0", true)
	s.Require().NoError(err)
	msgs, err := client.XReadGroup(s.Ctx, "workers", "c1", map[string]string{"orders": ">"}, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
}

func (s *SinkTestSuite) TestPublishHonorsPerMessageStreamOverride() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	sink := NewSink(SinkConfig{Stream: "orders"}, client)

	_, err := sink.Publish(s.Ctx, OutboundMessage{
		Type:    "widget",
		Payload: &widget{Name: "gizmo"},
		Stream:  "priority-orders",
	})
	s.Require().NoError(err)

	_, err = client.XGroupCreate(s.Ctx, "priority-orders", "workers", "0", true)
	s.Require().NoError(err)
	msgs, err := client.XReadGroup(s.Ctx, "workers", "c1", map[string]string{"priority-orders": ">"}, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
}

func (s *SinkTestSuite) TestPublishTrimsWithMaxStreamLength() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	sink := NewSink(SinkConfig{Stream: "orders", MaxStreamLength: 2}, client)

	for i := 0; i < 5; i++ {
		_, err := sink.Publish(s.Ctx, OutboundMessage{Type: "widget", Payload: &widget{Name: "gizmo"}})
		s.Require().NoError(err)
	}
	// MAXLEN is approximate and miniredis doesn't enforce it; this only
	// checks that publishing with a trim option set doesn't error.
	// TestMaxStreamLengthTrimsAgainstRealRedis covers actual trimming.
}

func TestRetriableClassifiesProtocolErrorsAsTerminal(t *testing.T) {
	if !Retriable(nil) {
		t.Fatal("nil error should be retriable")
	}
	if Retriable(ErrProtocol(stderrors.New("bad reply"))) {
		t.Fatal("protocol errors should not be retriable")
	}
	if Retriable(ErrAggregate(stderrors.New("a"), stderrors.New("b"))) {
		t.Fatal("aggregate errors should not be retriable")
	}
	if !Retriable(ErrConnectionFailed(stderrors.New("dial refused"))) {
		t.Fatal("connection errors should be retriable")
	}
	if !Retriable(stderrors.New("some unrelated error")) {
		t.Fatal("errors outside the AppError taxonomy should default to retriable")
	}
}
