package feed

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pipeline-runner/internal/agent/metrics"
	"github.com/G-Research/pipeline-runner/internal/common/util"
)

const (
	// Frames are at most this many bytes, a batch is always sent as a single logical message.
	frameSize = 1024

	minimumAttemptsBeforeBreaking = 5
	failurePercentThreshold       = 50

	minReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay = 500 * time.Millisecond
)

var ErrStreamUnavailable = errors.New("feed stream is not connected")

// Conn is the subset of *websocket.Conn used to push feed messages.
type Conn interface {
	NextWriter(messageType int) (io.WriteCloser, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a duplex connection to url, authenticating with the bearer token.
type DialFunc func(ctx context.Context, url string, token string) (Conn, error)

// WebsocketDialer dials with gorilla/websocket. The write buffer is sized so every frame on the wire
// carries at most frameSize bytes of payload.
func WebsocketDialer(handshakeTimeout time.Duration) DialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		WriteBufferSize:  frameSize,
	}
	return func(ctx context.Context, url string, token string) (Conn, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			util.CloseResource("websocket handshake response", resp.Body)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open feed stream to %s", url)
		}
		return conn, nil
	}
}

// Stream is a best-effort websocket channel for live console lines.
//
// The connection is attempted once in the background. If it can't be established the stream is
// disabled for the rest of the job. Send failures trigger a delayed reconnect, unless more than half
// of at least five attempts have failed, in which case the stream is torn down for good.
//
// The connection handle is only read and swapped under mu, so a reconnect completing in the
// background is always observed consistently by the sending goroutine.
type Stream struct {
	dial           DialFunc
	url            string
	token          string
	connectTimeout time.Duration
	sendTimeout    time.Duration
	random         *rand.Rand
	reconnectDelay func() time.Duration

	mu         sync.Mutex
	conn       Conn
	connecting chan struct{}
	disabled   bool
	attempted  int
	failed     int
}

func NewStream(dial DialFunc, url string, token string, connectTimeout time.Duration, sendTimeout time.Duration) *Stream {
	s := &Stream{
		dial:           dial,
		url:            url,
		token:          token,
		connectTimeout: connectTimeout,
		sendTimeout:    sendTimeout,
		random:         util.NewThreadsafeRand(time.Now().UnixNano()),
	}
	s.reconnectDelay = func() time.Duration {
		return util.RandomDuration(s.random, minReconnectDelay, maxReconnectDelay)
	}
	return s
}

// Connect starts connecting in the background after delay. Send waits for it to complete.
func (s *Stream) Connect(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled || s.connecting != nil {
		return
	}
	done := make(chan struct{})
	s.connecting = done
	go s.connect(delay, done)
}

func (s *Stream) connect(delay time.Duration, done chan struct{}) {
	defer close(done)
	log.Infof("Attempting to start feed stream with delay %s", delay)
	if delay > 0 {
		time.Sleep(delay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	defer cancel()
	conn, err := s.dial(ctx, s.url, s.token)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = nil
	if err != nil {
		log.WithError(err).Warn("Failed to connect feed stream, falling back to http for the rest of the job")
		s.disabled = true
		return
	}
	if s.disabled {
		util.CloseResource("feed stream", conn)
		return
	}
	s.conn = conn
	log.Info("Feed stream connected")
}

// Send writes payload as one message. It returns ErrStreamUnavailable without attempting anything if
// the stream is disabled or not connected, the caller is expected to fall back to another transport.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.attempted++
	s.mu.Unlock()

	err = s.write(conn, payload)
	if err == nil {
		metrics.FeedBatchesSent.WithLabelValues(metrics.TransportStream, metrics.OutcomeSucceeded).Inc()
		return nil
	}
	metrics.FeedBatchesSent.WithLabelValues(metrics.TransportStream, metrics.OutcomeFailed).Inc()
	s.handleFailure(conn, err)
	return err
}

// connection waits for an in-flight connect and returns the current connection.
func (s *Stream) connection(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	connecting := s.connecting
	s.mu.Unlock()
	if connecting != nil {
		select {
		case <-connecting:
		case <-ctx.Done():
			return nil, ErrStreamUnavailable
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled || s.conn == nil {
		return nil, ErrStreamUnavailable
	}
	return s.conn, nil
}

func (s *Stream) write(conn Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.sendTimeout)); err != nil {
		return errors.WithStack(err)
	}
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, chunk := range util.Batch(payload, frameSize) {
		if _, err := w.Write(chunk); err != nil {
			_ = w.Close()
			return errors.WithStack(err)
		}
	}
	// Closing the writer flushes the final frame with the FIN bit set.
	return errors.WithStack(w.Close())
}

func (s *Stream) handleFailure(conn Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++

	if s.conn == conn {
		s.conn = nil
		util.CloseResource("feed stream", conn)
	}

	if s.attempted >= minimumAttemptsBeforeBreaking && s.failed*100 > failurePercentThreshold*s.attempted {
		log.WithError(err).Warnf("%d of %d feed stream sends failed, disabling the stream for the rest of the job", s.failed, s.attempted)
		s.disabled = true
		metrics.StreamCircuitTrips.Inc()
		return
	}

	log.WithError(err).Infof("Feed stream send failed (%d of %d), reconnecting", s.failed, s.attempted)
	if s.connecting == nil && !s.disabled {
		done := make(chan struct{})
		s.connecting = done
		go s.connect(s.reconnectDelay(), done)
	}
}

// Disabled reports whether the stream has permanently fallen back for this job.
func (s *Stream) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

func (s *Stream) Stats() (attempted int, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempted, s.failed
}

// Close tears the stream down. It's safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
	if s.conn != nil {
		util.CloseResource("feed stream", s.conn)
		s.conn = nil
	}
}
