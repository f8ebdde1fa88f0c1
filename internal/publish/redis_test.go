package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/h9ctl/internal/testutil/testlog"
	"github.com/danmuck/h9ctl/internal/worker"
	"github.com/redis/go-redis/v9"
)

type recordingClient struct {
	mu         sync.Mutex
	published  map[string][][]byte
	stored     map[string][]byte
	publishErr error
	closed     bool
}

func newRecordingClient() *recordingClient {
	return &recordingClient{published: map[string][][]byte{}, stored: map[string][]byte{}}
}

func (c *recordingClient) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return redis.NewIntResult(0, c.publishErr)
	}
	c.published[channel] = append(c.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (c *recordingClient) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (c *recordingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestPublishEncodesSnapshot(t *testing.T) {
	testlog.Start(t)
	client := newRecordingClient()
	sink := &RedisSink{client: client, channel: "h9ctl:state"}

	bpm := 120.0
	snap := worker.StateSnapshot{Seq: 3, DeviceTempoBPM: &bpm, LastAction: "refresh"}
	if err := sink.Publish(context.Background(), snap); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := client.published["h9ctl:state"]
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	var got worker.StateSnapshot
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != 3 || got.DeviceTempoBPM == nil || *got.DeviceTempoBPM != 120 || got.LastAction != "refresh" {
		t.Fatalf("unexpected published snapshot %+v", got)
	}
	if string(client.stored["h9ctl:state:latest"]) != string(msgs[0]) {
		t.Fatalf("latest key not stored")
	}
}

func TestRunSkipsFailedPublishes(t *testing.T) {
	testlog.Start(t)
	client := newRecordingClient()
	client.publishErr = errors.New("connection refused")
	sink := &RedisSink{client: client, channel: "c"}

	snaps := make(chan worker.StateSnapshot, 2)
	snaps <- worker.StateSnapshot{Seq: 1}
	snaps <- worker.StateSnapshot{Seq: 2}
	close(snaps)

	if err := sink.Run(context.Background(), snaps); err != nil {
		t.Fatalf("run should survive publish errors, got %v", err)
	}
	if !client.closed {
		t.Fatalf("run should close the client")
	}
	if len(client.stored) != 0 {
		t.Fatalf("failed publishes must not update latest")
	}
}
