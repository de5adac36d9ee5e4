package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	e := New("auth_submitted", "PriorAuthorization", 42, at, map[string]any{"urgent": true})

	assert.Equal(t, "auth_submitted", e.Type)
	assert.Equal(t, "PriorAuthorization", e.ResourceType)
	assert.Equal(t, "42", e.ResourceID)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.True(t, e.Timestamp.Equal(at))
	assert.Len(t, e.ID, 26)
	assert.Equal(t, true, e.Attributes["urgent"])
}

func TestNewID_SortsByTime(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	a := NewID(base)
	b := NewID(base)
	c := NewID(base.Add(time.Second))

	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids within the same millisecond stay monotonic")
	assert.Less(t, b, c)
}

func TestMulti_FansOutInOrder(t *testing.T) {
	var order []string
	first := PublisherFunc(func(context.Context, Event) { order = append(order, "first") })
	second := PublisherFunc(func(context.Context, Event) { order = append(order, "second") })

	Multi{first, nil, second}.Publish(context.Background(), Event{Type: "x"})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Publish(context.Background(), Event{}) })
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Publish(context.Background(), Event{Type: "usage_tracked"})
		}()
	}
	wg.Wait()

	require.Len(t, rec.Events(), 20)
	got := rec.Events()
	got[0].Type = "mutated"
	assert.Equal(t, "usage_tracked", rec.Types()[0], "Events returns a copy")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	e := New("auth_reviewed", "PriorAuthorization", 3, time.Unix(100, 0), map[string]any{"decision": "Denied"})
	e.TenantID = "acme"

	sink.Publish(context.Background(), e)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "auth_reviewed", line["event"])
	assert.Equal(t, "3", line["resource_id"])
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "Denied", line["decision"])
	assert.Equal(t, "event published", line["message"])
}

type fakeStream struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
	err  error

	ctxErr      error
	hasDeadline bool
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, a)
	f.ctxErr = ctx.Err()
	_, f.hasDeadline = ctx.Deadline()
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func TestRedisSink_AppendsToStream(t *testing.T) {
	stream := &fakeStream{}
	sink := NewRedisSink(stream, "", zerolog.Nop())
	e := New("p2p_scheduled", "PriorAuthorization", 9, time.Unix(200, 0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Publish(ctx, e)

	require.Len(t, stream.args, 1)
	args := stream.args[0]
	assert.Equal(t, DefaultStream, args.Stream)
	assert.True(t, args.Approx)
	assert.EqualValues(t, 100000, args.MaxLen)

	values, ok := args.Values.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, e.ID, values["event_id"])
	assert.Equal(t, "p2p_scheduled", values["type"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "9", decoded.ResourceID)

	assert.NoError(t, stream.ctxErr, "write is detached from the caller's cancellation")
	assert.True(t, stream.hasDeadline)
}

func TestRedisSink_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	stream := &fakeStream{err: errors.New("connection refused")}
	sink := NewRedisSink(stream, "custom", zerolog.New(&buf))

	sink.Publish(context.Background(), New("auth_expired", "PriorAuthorization", 1, time.Unix(0, 0), nil))

	assert.Equal(t, "custom", stream.args[0].Stream)
	assert.True(t, strings.Contains(buf.String(), "event stream append failed"))
	assert.True(t, strings.Contains(buf.String(), "connection refused"))
}

func TestNewRedisClient(t *testing.T) {
	client, err := NewRedisClient("redis://localhost:6379/2")
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 2, client.Options().DB)

	_, err = NewRedisClient("http://nope")
	assert.Error(t, err)
}
