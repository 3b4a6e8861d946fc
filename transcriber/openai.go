package transcriber

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"scribe/internal/nettrace"
)

type OpenAI struct {
	lang   string
	client *openai.Client
}

// NewOpenAI transcribes with whisper-1. baseURL points at any
// OpenAI-compatible endpoint; empty uses api.openai.com.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Streaming() bool { return false }

func (o *OpenAI) SetLanguage(lang string) { o.lang = lang }

func (o *OpenAI) GetLanguage() string { return o.lang }

func (o *OpenAI) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Stream {
		return nil, fmt.Errorf("openai: %w", errNoStreaming)
	}
	if cfg.Language != "" {
		o.SetLanguage(cfg.Language)
	}
	return newBatchSession(ctx, cfg, o.Transcribe)
}

func (o *OpenAI) Transcribe(ctx context.Context, audioData []byte, format string) (*Result, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "visit." + format,
		Reader:   bytes.NewReader(audioData),
		Language: o.lang,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	h := resp.Header()
	res := &Result{
		Text:      resp.Text,
		RateLimit: nettrace.FirstNonEmpty(h, "x-ratelimit-remaining-requests") + "/" + nettrace.FirstNonEmpty(h, "x-ratelimit-limit-requests"),
		Duration:  resp.Duration,
	}
	for _, seg := range resp.Segments {
		res.NoSpeechProb = max(res.NoSpeechProb, seg.NoSpeechProb)
		res.Segments = append(res.Segments, Segment{
			Text:         seg.Text,
			NoSpeechProb: seg.NoSpeechProb,
			AvgLogProb:   seg.AvgLogprob,
			Start:        seg.Start,
			End:          seg.End,
		})
	}
	return res, nil
}
