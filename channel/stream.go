package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"scribe/encoder"
	"scribe/log"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	closeGrace       = time.Second
)

type frame struct {
	data []byte
	text bool
	ack  chan error
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	RecvMessages int
	RecvFinal    int
	Malformed    int
}

// Stream is the WebSocket variant: binary chunks go up as they arrive and
// END_OF_STREAM follows the last one on the same writer.
type Stream struct {
	conn      *websocket.Conn
	cfg       Config
	startedAt time.Time

	sendCh   chan frame
	msgs     chan Message
	done     chan struct{}
	sendDone chan struct{}
	recvDone chan struct{}

	ended     atomic.Bool
	dropped   atomic.Int64
	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	closing  bool
	terminal bool
	stats    streamStats
}

func DialStream(ctx context.Context, cfg Config) (*Stream, error) {
	cfg.setDefaults()
	if cfg.StreamURL == "" {
		return nil, fmt.Errorf("stream channel: no URL configured")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  encoder.SampleRate * 2,
	}
	connectStart := time.Now()
	conn, resp, err := dialer.DialContext(ctx, cfg.StreamURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream channel: dial %s: %w (HTTP %d)", cfg.StreamURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("stream channel: dial %s: %w", cfg.StreamURL, err)
	}

	s := &Stream{
		conn:      conn,
		cfg:       cfg,
		startedAt: connectStart,
		sendCh:    make(chan frame, cfg.QueueSize),
		msgs:      make(chan Message, messageBuffer),
		done:      make(chan struct{}),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
	}
	s.stats.ConnectDur = time.Since(connectStart)

	go s.runSender()
	go s.runReceiver()
	return s, nil
}

func (s *Stream) Send(chunk []byte) {
	if s.ended.Load() || len(chunk) == 0 {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.sendCh <- frame{data: chunk}:
	default:
		s.dropped.Add(1)
	}
}

func (s *Stream) SignalEnd() error {
	if !s.ended.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return &SendFailure{Err: err}
	}

	timeout := time.NewTimer(s.cfg.EndTimeout)
	defer timeout.Stop()

	ack := make(chan error, 1)
	select {
	case s.sendCh <- frame{data: endOfStreamFrame(), text: true, ack: ack}:
	case <-timeout.C:
		return &SendFailure{Err: fmt.Errorf("send queue did not drain within %s", s.cfg.EndTimeout)}
	case <-s.done:
		return &SendFailure{Err: ErrClosed}
	}

	select {
	case err := <-ack:
		if err != nil {
			return &SendFailure{Err: err}
		}
		return nil
	case <-timeout.C:
		return &SendFailure{Err: fmt.Errorf("end of stream not written within %s", s.cfg.EndTimeout)}
	case <-s.done:
		return &SendFailure{Err: ErrClosed}
	}
}

func (s *Stream) Messages() <-chan Message { return s.msgs }

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		close(s.done)

		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		s.conn.Close()

		<-s.sendDone
		<-s.recvDone
		s.logMetrics()
	})
	return nil
}

// Dropped reports how many chunks were discarded because the queue was full.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

func (s *Stream) writeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) runSender() {
	defer close(s.sendDone)
	for {
		select {
		case <-s.done:
			return
		case f := <-s.sendCh:
			err := s.writeErr()
			if err == nil {
				msgType := websocket.BinaryMessage
				if f.text {
					msgType = websocket.TextMessage
				}
				s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err = s.conn.WriteMessage(msgType, f.data)
				s.mu.Lock()
				if err != nil && s.err == nil {
					s.err = err
				}
				if err == nil && !f.text {
					s.stats.SentChunks++
					s.stats.SentBytes += uint64(len(f.data))
				}
				s.mu.Unlock()
			}
			if f.ack != nil {
				f.ack <- err
			}
		}
	}
}

func (s *Stream) runReceiver() {
	defer close(s.recvDone)
	defer close(s.msgs)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			quiet := s.closing || s.terminal
			s.mu.Unlock()
			if !quiet {
				log.Warnf("stream channel: connection lost: %v", err)
				s.emit(Error(fmt.Sprintf("Connection to the server was lost: %v", err)))
			}
			return
		}

		m, err := Decode(data)
		if err != nil {
			log.Malformed("stream", data, err)
			s.mu.Lock()
			s.stats.Malformed++
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.stats.RecvMessages++
		skip := s.terminal
		if m.Terminal() {
			s.terminal = true
			s.stats.RecvFinal++
		}
		s.mu.Unlock()
		if skip {
			continue
		}
		s.emit(m)
	}
}

func (s *Stream) emit(m Message) {
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

func (s *Stream) logMetrics() {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	bytesPerSec := float64(encoder.SampleRate * encoder.Channels * encoder.BitsPerSample / 8)
	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:    float64(st.ConnectDur.Milliseconds()),
		TotalMs:      float64(time.Since(s.startedAt).Milliseconds()),
		AudioS:       float64(st.SentBytes) / bytesPerSec,
		SentChunks:   st.SentChunks,
		SentKB:       float64(st.SentBytes) / 1024,
		Dropped:      int(s.dropped.Load()),
		RecvMessages: st.RecvMessages,
		RecvFinal:    st.RecvFinal,
		Malformed:    st.Malformed,
	})
}
