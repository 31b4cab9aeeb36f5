package redisstream

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvid-systems/streamcore/pkg/test"
)

type SourceTestSuite struct {
	*test.Suite
}

func (s *SourceTestSuite) newSource(client *RedisClient, group string, streams ...string) *Source {
	cfg := SourceConfig{
		ConsumerGroup:          group,
		ConsumerID:             group + "-consumer",
		ConsumerGroupStartID:   "0",
		Streams:                streams,
		BatchSize:              10,
		BlockTimeout:           50 * time.Millisecond,
		IdleTimeout:            0,
		ReclaimMessageInterval: DisableReclaim,
	}
	src, err := NewSource(s.Ctx, cfg, client, Deps{Types: newWidgetMapper()})
	s.Require().NoError(err)
	return src
}

func TestSourceTestSuite(t *testing.T) {
	test.Run(t, &SourceTestSuite{Suite: test.NewSuite()})
}

func (s *SourceTestSuite) TestRoundTripAcrossTwoStreams() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	_, err := client.XAdd(s.Ctx, "orders", "widget", &widget{Name: "order-1"})
	s.Require().NoError(err)
	_, err = client.XAdd(s.Ctx, "shipments", "widget", &widget{Name: "shipment-1"})
	s.Require().NoError(err)

	src := s.newSource(client, "workers", "orders", "shipments")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ref, err := src.Next(s.Ctx)
		s.Require().NoError(err)
		s.Require().NotNil(ref)
		seen[ref.Message.Payload.(*widget).Name] = true
		s.Require().NoError(ref.Release(s.Ctx, nil))
	}
	s.True(seen["order-1"])
	s.True(seen["shipment-1"])

	pendingOrders, err := client.XPendingRange(s.Ctx, "orders", "workers", 10)
	s.Require().NoError(err)
	s.Empty(pendingOrders)
}

func (s *SourceTestSuite) TestFailedReleaseLeavesMessageInPELForReclaim() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	_, err := client.XAdd(s.Ctx, "orders", "widget", &widget{Name: "order-1"})
	s.Require().NoError(err)

	src := s.newSource(client, "workers", "orders")
	src.cfg.ReclaimMessageInterval = time.Millisecond
	src.cfg.IdleTimeout = 0

	ref, err := src.Next(s.Ctx)
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	s.Require().NoError(ref.Release(s.Ctx, assertionError{}))

	pending, err := client.XPendingRange(s.Ctx, "orders", "workers", 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1, "failed release must not ack")

	time.Sleep(2 * time.Millisecond)

	reclaimed, err := src.Next(s.Ctx)
	s.Require().NoError(err)
	s.Require().NotNil(reclaimed)
	s.Equal("order-1", reclaimed.Message.Payload.(*widget).Name)
}

func (s *SourceTestSuite) TestMalformedEntrySkippedTransparently() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	_, err := client.XGroupCreate(s.Ctx, "orders", "workers", "0", true)
	s.Require().NoError(err)
	_, err = client.rdb.XAdd(s.Ctx, &redis.XAddArgs{
		Stream: "orders",
		ID:     "*",
		Values: map[string]any{"unrelated": "field"},
	}).Result()
	s.Require().NoError(err)
	_, err = client.XAdd(s.Ctx, "orders", "widget", &widget{Name: "order-1"})
	s.Require().NoError(err)

	src := s.newSource(client, "workers", "orders")

	ref, err := src.Next(s.Ctx)
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	s.Equal("order-1", ref.Message.Payload.(*widget).Name)
	s.Require().NoError(ref.Release(s.Ctx, nil))
}

func (s *SourceTestSuite) TestGroupAlreadyExistsIsSwallowedOnConstruction() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	_, err := client.XGroupCreate(s.Ctx, "orders", "workers", "0", true)
	s.Require().NoError(err)

	src, err := NewSource(s.Ctx, SourceConfig{
		ConsumerGroup: "workers",
		ConsumerID:    "consumer-2",
		Streams:       []string{"orders"},
	}, client, Deps{Types: newWidgetMapper()})
	s.Require().NoError(err)
	s.NotNil(src)
}

func (s *SourceTestSuite) TestOwnPELDrainedBeforeSteadyStateOnRestart() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	_, err := client.XAdd(s.Ctx, "orders", "widget", &widget{Name: "order-1"})
	s.Require().NoError(err)

	first := s.newSource(client, "workers", "orders")
	ref, err := first.Next(s.Ctx)
	s.Require().NoError(err)
	s.Require().NotNil(ref)
	// Simulate a crash: never released, so the entry stays in this
	// consumer's PEL under the same configured consumer id.
	_, err = client.XAdd(s.Ctx, "orders", "widget", &widget{Name: "order-2"})
	s.Require().NoError(err)

	restarted := s.newSource(client, "workers", "orders")
	replay, err := restarted.Next(s.Ctx)
	s.Require().NoError(err)
	s.Require().NotNil(replay)
	s.Equal("order-1", replay.Message.Payload.(*widget).Name, "restart must replay its own PEL before reading new entries")
	s.Require().NoError(replay.Release(s.Ctx, nil))
}

func (s *SourceTestSuite) TestMaxStreamLengthTrimsViaSink() {
	client, _ := newTestClient(s.T())
	defer client.Close()

	sink := NewSink(SinkConfig{Stream: "orders", MaxStreamLength: 1}, client)
	for i := 0; i < 3; i++ {
		_, err := sink.Publish(s.Ctx, OutboundMessage{Type: "widget", Payload: &widget{Name: "gizmo"}})
		s.Require().NoError(err)
	}

	_, err := client.XGroupCreate(s.Ctx, "orders", "workers", "0", true)
	s.Require().NoError(err)
	msgs, err := client.XReadGroup(s.Ctx, "workers", "c1", map[string]string{"orders": ">"}, 10, 0)
	s.Require().NoError(err)
	// This only checks that entries published with a trim option stay
	// readable through a consumer group; the trimmed length is checked by
	// TestMaxStreamLengthTrimsAgainstRealRedis.
	s.NotEmpty(msgs)
}

type assertionError struct{}

func (assertionError) Error() string { return "simulated processing failure" }
