package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"scribe/channel"
	"scribe/clinical"
	"scribe/encoder"
	"scribe/transcriber"
)

const (
	bytesPerSecond = encoder.SampleRate * encoder.Channels * encoder.BitsPerSample / 8
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 2 * time.Minute
	wsOutBuffer    = 64
)

// wsWriter serializes writes; gorilla allows one writer at a time.
type wsWriter struct {
	conn   *websocket.Conn
	out    chan channel.Message
	done   chan struct{}
	logger zerolog.Logger
}

func newWSWriter(conn *websocket.Conn, logger zerolog.Logger) *wsWriter {
	w := &wsWriter{
		conn:   conn,
		out:    make(chan channel.Message, wsOutBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w
}

func (w *wsWriter) run() {
	defer close(w.done)
	failed := false
	for m := range w.out {
		if failed {
			continue
		}
		w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := w.conn.WriteJSON(m); err != nil {
			w.logger.Debug().Err(err).Str("type", string(m.Type)).Msg("websocket write failed")
			failed = true
		}
	}
}

func (w *wsWriter) send(m channel.Message) { w.out <- m }

func (w *wsWriter) close() {
	close(w.out)
	<-w.done
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.conn.Close()
}

func (s *Server) handleVisitStream(c echo.Context) error {
	return s.stream(c, true)
}

func (s *Server) handleTranscriptionStream(c echo.Context) error {
	return s.stream(c, false)
}

// stream runs one live visit: PCM frames in, partial transcripts and
// audio_received acknowledgements out, then a single terminal message once
// the client sends END_OF_STREAM.
func (s *Server) stream(c echo.Context, withNote bool) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.metrics.StreamsActive.Inc()
	defer s.metrics.StreamsActive.Dec()

	logger := s.logger.With().Str("request_id", requestID(c)).Str("path", c.Path()).Logger()
	w := newWSWriter(conn, logger)
	defer w.close()

	ctx := c.Request().Context()
	if s.stt == nil {
		w.send(channel.Error("Speech-to-text is not configured on the server."))
		return nil
	}
	sess, err := s.stt.NewSession(ctx, transcriber.SessionConfig{
		Stream:   s.stt.Streaming(),
		Format:   encoder.FormatFLAC,
		Language: s.cfg.Language,
	})
	if err != nil {
		w.send(channel.Error(fmt.Sprintf("Could not start transcription: %v", err)))
		return nil
	}

	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for u := range sess.Updates() {
			w.send(channel.Partial(u.Text, u.Final))
		}
	}()

	ended, received := s.readAudio(conn, sess, w, logger)

	res, closeErr := sess.Close()
	<-fwdDone
	if !ended {
		logger.Info().Int64("bytes", received).Msg("client left before end of stream")
		return nil
	}
	logger.Info().Int64("bytes", received).Float64("audio_s", float64(received)/bytesPerSecond).Msg("end of stream")

	if closeErr != nil {
		w.send(channel.Error(fmt.Sprintf("Error processing transcript: %v", closeErr)))
		return nil
	}
	if res.NoSpeech {
		w.send(channel.Stopped())
		return nil
	}
	w.send(s.terminal(ctx, res.Text, withNote))
	return nil
}

// readAudio pumps client frames into sess until END_OF_STREAM or a
// disconnect. It reports whether the stream ended cleanly.
func (s *Server) readAudio(conn *websocket.Conn, sess transcriber.Session, w *wsWriter, logger zerolog.Logger) (ended bool, received int64) {
	nextAck := int64(bytesPerSecond)
	for {
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read ended")
			}
			return false, received
		}
		switch mt {
		case websocket.BinaryMessage:
			sess.Feed(data)
			received += int64(len(data))
			s.metrics.AudioBytesTotal.Add(float64(len(data)))
			if received >= nextAck {
				w.send(channel.AudioReceived(received))
				for nextAck <= received {
					nextAck += bytesPerSecond
				}
			}
		case websocket.TextMessage:
			if channel.IsEndOfStream(data) {
				return true, received
			}
			logger.Warn().Str("payload", truncate(data, 200)).Msg("ignoring unknown control message")
		}
	}
}

func (s *Server) terminal(ctx context.Context, text string, withNote bool) channel.Message {
	if !withNote {
		msg, err := channel.Final(map[string]string{"transcription": text})
		if err != nil {
			return channel.Error(err.Error())
		}
		msg.IsFinal = true
		return msg
	}
	b, err := s.note(ctx, clinical.Sources{RecordedTranscript: text}, text)
	if err != nil {
		return channel.Error(fmt.Sprintf("Error processing transcript: %v", err))
	}
	msg, err := channel.Final(b)
	if err != nil {
		return channel.Error(fmt.Sprintf("Error processing transcript: %v", err))
	}
	return msg
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	if !json.Valid(b) {
		return fmt.Sprintf("%q", b)
	}
	return string(b)
}
