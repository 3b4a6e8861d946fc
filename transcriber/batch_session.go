package transcriber

import (
	"context"
	"strings"
	"sync"
	"time"

	"scribe/encoder"
	"scribe/log"
)

type transcribeFunc func(ctx context.Context, audio []byte, format string) (*Result, error)

type batchSession struct {
	ctx        context.Context
	format     string
	transcribe transcribeFunc
	encoder    encoder.Encoder
	updates    chan Update
	blockChan  chan []int16
	encodeDone chan struct{}
	sampleBuf  []int16
	bufMu      sync.Mutex
}

func newBatchSession(ctx context.Context, cfg SessionConfig, transcribe transcribeFunc) (*batchSession, error) {
	format := cfg.Format
	if format == "" {
		format = encoder.FormatFLAC
	}
	enc, err := encoder.New(format)
	if err != nil {
		return nil, err
	}

	bs := &batchSession{
		ctx:        ctx,
		format:     format,
		transcribe: transcribe,
		encoder:    enc,
		updates:    make(chan Update, 1),
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
	}

	go func() {
		defer close(bs.encodeDone)
		for block := range bs.blockChan {
			start := time.Now()
			if err := bs.encoder.EncodeBlock(block); err != nil {
				log.Errorf("encode block: %v", err)
			}
			bs.encoder.AddEncodeTime(time.Since(start))
		}
	}()

	return bs, nil
}

func (bs *batchSession) Feed(pcm []byte) {
	bs.bufMu.Lock()
	bs.sampleBuf = append(bs.sampleBuf, encoder.Samples(pcm)...)
	var blocks [][]int16
	for len(bs.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, bs.sampleBuf[:encoder.BlockSize])
		bs.sampleBuf = bs.sampleBuf[encoder.BlockSize:]
		blocks = append(blocks, block)
	}
	bs.bufMu.Unlock()

	for _, block := range blocks {
		bs.blockChan <- block
	}
}

func (bs *batchSession) Updates() <-chan Update {
	return bs.updates
}

func (bs *batchSession) Close() (SessionResult, error) {
	defer close(bs.updates)

	bs.bufMu.Lock()
	if len(bs.sampleBuf) > 0 {
		partial := make([]int16, len(bs.sampleBuf))
		copy(partial, bs.sampleBuf)
		bs.sampleBuf = nil
		bs.blockChan <- partial
	}
	bs.bufMu.Unlock()

	close(bs.blockChan)
	<-bs.encodeDone

	if err := bs.encoder.Close(); err != nil {
		return SessionResult{}, err
	}

	enc := bs.encoder
	if enc.TotalFrames() == 0 {
		return SessionResult{NoSpeech: true}, nil
	}
	audioData := enc.Bytes()

	result, err := bs.transcribe(bs.ctx, audioData, bs.format)
	if err != nil {
		return SessionResult{}, err
	}

	text := strings.TrimSpace(result.Text)
	if text != "" {
		bs.updates <- Update{Text: text, Final: true}
	}

	rawSize := enc.TotalFrames() * 2
	encodedSize := uint64(len(audioData))
	compressionPct := (1.0 - float64(encodedSize)/float64(rawSize)) * 100
	audioDuration := encoder.Duration(enc.TotalFrames()).Seconds()

	up := log.UploadMetrics{
		AudioLengthS:     audioDuration,
		RawSizeKB:        float64(rawSize) / 1024,
		CompressedSizeKB: float64(encodedSize) / 1024,
		CompressionPct:   compressionPct,
		EncodeTimeMs:     float64(enc.EncodeTime().Milliseconds()),
	}
	var connReused bool
	var tlsProto string
	if m := result.Metrics; m != nil {
		up.DNSTimeMs = float64(m.DNS.Milliseconds())
		up.TLSTimeMs = float64(m.TLS.Milliseconds())
		up.TTFBMs = float64(m.TTFB.Milliseconds())
		up.TotalTimeMs = float64(m.Sum().Milliseconds())
		connReused = m.ConnReused
		tlsProto = m.TLSProtocol
	}
	log.Upload(up, bs.format, connReused, tlsProto)

	sr := SessionResult{
		Text:      text,
		NoSpeech:  text == "",
		RateLimit: result.RateLimit,
		Batch: &BatchStats{
			AudioLengthS:     audioDuration,
			RawSizeKB:        up.RawSizeKB,
			CompressedSizeKB: up.CompressedSizeKB,
			EncodeTimeMs:     up.EncodeTimeMs,
			TotalTimeMs:      up.TotalTimeMs,
			Confidence:       result.Confidence,
		},
	}
	sr.captureMemStats()
	return sr, nil
}
