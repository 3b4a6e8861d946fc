package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"scribe/encoder"
	"scribe/internal/nettrace"
	"scribe/log"
)

// Batch is the upload variant: audio is encoded as it arrives and the whole
// recording is POSTed once SignalEnd is called. The response body becomes a
// single final_result, or an error for a non-2xx status.
type Batch struct {
	cfg    Config
	client *nettrace.TracedClient
	ctx    context.Context
	cancel context.CancelFunc

	enc        encoder.Encoder
	blockCh    chan []int16
	encodeDone chan struct{}
	encodeErr  error // written by the encode goroutine before encodeDone closes

	feedMu   sync.Mutex
	pending  []int16
	stopped  bool
	rawBytes int64

	msgs       chan Message
	msgsOnce   sync.Once
	ended      atomic.Bool
	closeOnce  sync.Once
	uploadMu   sync.Mutex
	uploadDone chan struct{}
	dropped    atomic.Int64
}

func NewBatch(ctx context.Context, cfg Config) (*Batch, error) {
	cfg.setDefaults()
	if cfg.BatchURL == "" {
		return nil, fmt.Errorf("batch channel: no URL configured")
	}
	enc, err := encoder.New(cfg.BatchFormat)
	if err != nil {
		return nil, fmt.Errorf("batch channel: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Batch{
		cfg:        cfg,
		client:     nettrace.New(0),
		ctx:        ctx,
		cancel:     cancel,
		enc:        enc,
		blockCh:    make(chan []int16, cfg.QueueSize),
		encodeDone: make(chan struct{}),
		msgs:       make(chan Message, messageBuffer),
	}

	if u, err := url.Parse(cfg.BatchURL); err == nil {
		go b.client.WarmConnection(u.Scheme + "://" + u.Host)
	}

	go b.runEncoder()
	return b, nil
}

func (b *Batch) runEncoder() {
	defer close(b.encodeDone)
	for block := range b.blockCh {
		if b.encodeErr != nil {
			continue
		}
		t := time.Now()
		if err := b.enc.EncodeBlock(block); err != nil {
			b.encodeErr = err
		}
		b.enc.AddEncodeTime(time.Since(t))
	}
}

func (b *Batch) Send(chunk []byte) {
	if b.ended.Load() || len(chunk) == 0 {
		return
	}
	b.feedMu.Lock()
	defer b.feedMu.Unlock()
	if b.stopped {
		return
	}
	b.rawBytes += int64(len(chunk))
	b.pending = append(b.pending, encoder.Samples(chunk)...)
	for len(b.pending) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, b.pending)
		b.pending = b.pending[encoder.BlockSize:]
		select {
		case b.blockCh <- block:
		default:
			b.dropped.Add(1)
		}
	}
}

// stopFeeding flushes the trailing partial block and ends the encoder input.
func (b *Batch) stopFeeding(flush bool) {
	b.feedMu.Lock()
	defer b.feedMu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if flush && len(b.pending) > 0 {
		b.blockCh <- b.pending
	}
	b.pending = nil
	close(b.blockCh)
}

func (b *Batch) SignalEnd() error {
	if !b.ended.CompareAndSwap(false, true) {
		return nil
	}
	if b.ctx.Err() != nil {
		return &SendFailure{Err: ErrClosed}
	}

	b.stopFeeding(true)
	<-b.encodeDone
	if b.encodeErr != nil {
		return &SendFailure{Err: fmt.Errorf("encoding audio: %w", b.encodeErr)}
	}
	if err := b.enc.Close(); err != nil {
		return &SendFailure{Err: fmt.Errorf("finishing %s stream: %w", b.enc.Format(), err)}
	}

	body, contentType, err := b.multipartBody(b.enc.Bytes())
	if err != nil {
		return &SendFailure{Err: err}
	}

	b.uploadMu.Lock()
	defer b.uploadMu.Unlock()
	if b.ctx.Err() != nil {
		return &SendFailure{Err: ErrClosed}
	}
	b.uploadDone = make(chan struct{})
	go b.upload(body, contentType)
	return nil
}

func (b *Batch) multipartBody(audio []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="visit.%s"`, b.enc.Format()))
	h.Set("Content-Type", encoder.ContentType(b.enc.Format()))
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (b *Batch) upload(body *bytes.Buffer, contentType string) {
	defer close(b.uploadDone)
	defer b.closeMsgs()

	compressed := body.Len()
	b.emit(Status(fmt.Sprintf("uploading %.1f KB", float64(compressed)/1024)))

	req, err := http.NewRequestWithContext(b.ctx, http.MethodPost, b.cfg.BatchURL, body)
	if err != nil {
		b.emit(Error(fmt.Sprintf("Could not build the upload request: %v", err)))
		return
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.emit(Error(fmt.Sprintf("Upload failed: %v", err)))
		return
	}
	b.logUpload(resp.Metrics, compressed)

	if resp.StatusCode/100 != 2 {
		b.emit(Error(detailMessage(resp.Body, resp.StatusCode)))
		return
	}
	if !json.Valid(resp.Body) {
		log.Malformed("batch", resp.Body, fmt.Errorf("response is not JSON"))
		b.emit(Error("The server returned an unreadable result."))
		return
	}
	b.emit(Message{Type: KindFinal, Data: json.RawMessage(resp.Body)})
}

func detailMessage(body []byte, status int) string {
	var e struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if s, ok := e.Detail.(string); ok && s != "" {
			return s
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return fmt.Sprintf("The server responded with %d %s", status, http.StatusText(status))
}

func (b *Batch) logUpload(m *nettrace.NetworkMetrics, compressed int) {
	b.feedMu.Lock()
	raw := b.rawBytes
	b.feedMu.Unlock()

	um := log.UploadMetrics{
		AudioLengthS:     encoder.Duration(b.enc.TotalFrames()).Seconds(),
		RawSizeKB:        float64(raw) / 1024,
		CompressedSizeKB: float64(compressed) / 1024,
		EncodeTimeMs:     float64(b.enc.EncodeTime().Milliseconds()),
		DNSTimeMs:        float64(m.DNS.Milliseconds()),
		TLSTimeMs:        float64(m.TLS.Milliseconds()),
		TTFBMs:           float64(m.TTFB.Milliseconds()),
		TotalTimeMs:      float64(m.Total.Milliseconds()),
	}
	if raw > 0 {
		um.CompressionPct = (1 - float64(compressed)/float64(raw)) * 100
	}
	log.Upload(um, b.enc.Format(), m.ConnReused, m.TLSProtocol)
}

func (b *Batch) emit(m Message) {
	select {
	case b.msgs <- m:
	case <-b.ctx.Done():
	}
}

func (b *Batch) closeMsgs() {
	b.msgsOnce.Do(func() { close(b.msgs) })
}

func (b *Batch) Messages() <-chan Message { return b.msgs }

func (b *Batch) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.stopFeeding(false)
		<-b.encodeDone

		b.uploadMu.Lock()
		done := b.uploadDone
		b.uploadMu.Unlock()
		if done != nil {
			<-done
		}
		b.closeMsgs()
	})
	return nil
}

// Dropped reports how many blocks were discarded because the encoder fell behind.
func (b *Batch) Dropped() int64 { return b.dropped.Load() }
