package feed

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/pipeline-runner/pkg/api"
)

type fakeWriter struct {
	conn   *fakeConn
	buffer bytes.Buffer
	frames int
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if len(p) > frameSize {
		return 0, errors.Errorf("frame of %d bytes exceeds %d", len(p), frameSize)
	}
	w.frames++
	return w.buffer.Write(p)
}

func (w *fakeWriter) Close() error {
	w.conn.mu.Lock()
	defer w.conn.mu.Unlock()
	if w.conn.fail {
		return errors.New("connection reset")
	}
	w.conn.messages = append(w.conn.messages, w.buffer.String())
	w.conn.frames = append(w.conn.frames, w.frames)
	return nil
}

type fakeConn struct {
	mu       sync.Mutex
	fail     bool
	closed   bool
	messages []string
	frames   []int
}

func (c *fakeConn) NextWriter(messageType int) (io.WriteCloser, error) {
	return &fakeWriter{conn: c}, nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	// every connection handed out after the first fails all writes
	failAfterFirst bool
}

func (d *fakeDialer) dial(ctx context.Context, url string, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{fail: d.failAfterFirst && len(d.conns) > 0}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestStream(dialer *fakeDialer) *Stream {
	s := NewStream(dialer.dial, "wss://feed", "token", time.Second, time.Second)
	s.reconnectDelay = func() time.Duration { return 0 }
	return s
}

func TestStream_SendsOneMessageInFrames(t *testing.T) {
	dialer := &fakeDialer{}
	stream := newTestStream(dialer)
	stream.Connect(0)

	payload := strings.Repeat("x", 2500)
	require.NoError(t, stream.Send(context.Background(), []byte(payload)))

	conn := dialer.conns[0]
	assert.Equal(t, []string{payload}, conn.messages)
	assert.Equal(t, []int{3}, conn.frames)
}

func TestStream_InitialConnectFailureDisablesPermanently(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	stream := newTestStream(dialer)
	stream.Connect(0)

	err := stream.Send(context.Background(), []byte("a"))
	assert.Equal(t, ErrStreamUnavailable, err)
	assert.True(t, stream.Disabled())

	dialer.err = nil
	stream.Connect(0)
	assert.Equal(t, ErrStreamUnavailable, stream.Send(context.Background(), []byte("a")))
	assert.Equal(t, 0, dialer.dials())
}

func TestStream_SendFailureBelowThresholdReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	stream := newTestStream(dialer)
	stream.Connect(0)
	require.NoError(t, stream.Send(context.Background(), []byte("ok")))

	dialer.conns[0].fail = true
	assert.Error(t, stream.Send(context.Background(), []byte("lost")))
	assert.True(t, dialer.conns[0].closed)

	require.NoError(t, stream.Send(context.Background(), []byte("again")))
	assert.Equal(t, 2, dialer.dials())
	assert.Equal(t, []string{"again"}, dialer.conns[1].messages)
	assert.False(t, stream.Disabled())
}

func TestStream_CircuitBreaksWhenMostSendsFail(t *testing.T) {
	dialer := &fakeDialer{failAfterFirst: true}
	stream := newTestStream(dialer)
	stream.Connect(0)
	require.NoError(t, stream.Send(context.Background(), []byte("ok")))
	dialer.conns[0].fail = true

	failures := 0
	for i := 0; i < 5; i++ {
		err := stream.Send(context.Background(), []byte("batch"))
		if err == ErrStreamUnavailable {
			break
		}
		assert.Error(t, err)
		failures++
	}

	attempted, failed := stream.Stats()
	assert.Equal(t, 5, attempted)
	assert.Equal(t, 4, failed)
	assert.Equal(t, 4, failures)
	assert.True(t, stream.Disabled())

	dialsAtTrip := dialer.dials()
	assert.Equal(t, ErrStreamUnavailable, stream.Send(context.Background(), []byte("after")))
	assert.Equal(t, dialsAtTrip, dialer.dials())
}

func TestStream_CircuitBreaksJustOverHalfFailed(t *testing.T) {
	dialer := &fakeDialer{}
	stream := newTestStream(dialer)
	stream.Connect(0)
	require.NoError(t, stream.Send(context.Background(), []byte("ok")))

	stream.mu.Lock()
	stream.attempted = 200
	stream.failed = 100
	stream.mu.Unlock()
	conn := dialer.conns[0]
	conn.mu.Lock()
	conn.fail = true
	conn.mu.Unlock()

	assert.Error(t, stream.Send(context.Background(), []byte("batch")))

	attempted, failed := stream.Stats()
	assert.Equal(t, 201, attempted)
	assert.Equal(t, 101, failed)
	assert.True(t, stream.Disabled())
}

type fakeFallback struct {
	calls []*api.FeedLines
	err   error
}

func (f *fakeFallback) AppendTimelineRecordFeed(ctx context.Context, plan api.PlanReference, timelineId string, recordId string, lines *api.FeedLines) error {
	f.calls = append(f.calls, lines)
	return f.err
}

func TestAdapter_WithoutStreamUsesFallback(t *testing.T) {
	fallback := &fakeFallback{}
	adapter := NewAdapter(nil, fallback, api.PlanReference{PlanId: "plan"}, "timeline", "job")
	start := int64(7)

	require.NoError(t, adapter.AppendLines(context.Background(), "step", []string{"a", "b"}, &start))

	require.Len(t, fallback.calls, 1)
	assert.Equal(t, &api.FeedLines{StepId: "step", Value: []string{"a", "b"}, Count: 2, StartLine: &start}, fallback.calls[0])
	assert.False(t, adapter.StreamActive())
}

func TestAdapter_StreamFailureFallsBack(t *testing.T) {
	dialer := &fakeDialer{}
	stream := newTestStream(dialer)
	stream.Connect(0)
	fallback := &fakeFallback{}
	adapter := NewAdapter(stream, fallback, api.PlanReference{}, "timeline", "job")

	require.NoError(t, adapter.AppendLines(context.Background(), "step", []string{"streamed"}, nil))
	assert.Len(t, fallback.calls, 0)
	assert.Contains(t, dialer.conns[0].messages[0], `"streamed"`)

	dialer.conns[0].fail = true
	require.NoError(t, adapter.AppendLines(context.Background(), "step", []string{"fallback"}, nil))
	require.Len(t, fallback.calls, 1)
	assert.Equal(t, []string{"fallback"}, fallback.calls[0].Value)
}
