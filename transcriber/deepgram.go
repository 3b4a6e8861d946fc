package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"scribe/encoder"
	"scribe/internal/nettrace"
)

const (
	deepgramAPIURL    = "https://api.deepgram.com/v1/listen"
	deepgramStreamURL = "wss://api.deepgram.com/v1/listen"
	deepgramModel     = "nova-3-medical"
)

type Deepgram struct {
	baseTranscriber
	apiKey    string
	streamURL string
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{
		baseTranscriber: baseTranscriber{
			client: nettrace.New(2 * time.Minute),
			apiURL: deepgramAPIURL,
		},
		apiKey:    apiKey,
		streamURL: deepgramStreamURL,
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Streaming() bool { return true }

func (d *Deepgram) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Language != "" {
		d.SetLanguage(cfg.Language)
	}
	if !cfg.Stream {
		return newBatchSession(ctx, cfg, d.Transcribe)
	}
	lang := d.lang
	return newStreamSession(func() (rawStreamSession, error) {
		return d.startStream(ctx, streamSessionConfig{
			SampleRate: encoder.SampleRate,
			Channels:   encoder.Channels,
			Language:   lang,
			Model:      deepgramModel,
		})
	}), nil
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) Transcribe(ctx context.Context, audioData []byte, format string) (*Result, error) {
	u, err := url.Parse(d.apiURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", deepgramModel)
	q.Set("smart_format", "true")
	if d.lang != "" {
		q.Set("language", d.lang)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audioData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", encoder.ContentType(format))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var dgResp deepgramResponse
	if err := json.Unmarshal(resp.Body, &dgResp); err != nil {
		return nil, fmt.Errorf("deepgram response parse error: %w", err)
	}

	var text string
	var confidence float64
	if len(dgResp.Results.Channels) > 0 && len(dgResp.Results.Channels[0].Alternatives) > 0 {
		alt := dgResp.Results.Channels[0].Alternatives[0]
		text = alt.Transcript
		confidence = alt.Confidence
	}

	remaining := nettrace.FirstNonEmpty(resp.Header,
		"x-dg-ratelimit-remaining", "x-ratelimit-remaining", "ratelimit-remaining")
	limit := nettrace.FirstNonEmpty(resp.Header,
		"x-dg-ratelimit-limit", "x-ratelimit-limit", "ratelimit-limit")

	return &Result{
		Text:       text,
		Metrics:    resp.Metrics,
		RateLimit:  remaining + "/" + limit,
		Confidence: confidence,
		Duration:   dgResp.Metadata.Duration,
	}, nil
}
