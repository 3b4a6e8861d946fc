package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"

	"scribe/log"
	"scribe/result"
)

const systemPrompt = `You are a clinical documentation assistant. Combine up to three sources into one structured clinical note and reply with JSON only.

The sources arrive in blocks labeled RECORDED TRANSCRIPT, UPLOADED DOCUMENTS and DOCTOR'S NOTES. When they disagree, follow this order of authority:
1. DOCTOR'S NOTES decide the Assessment and the Plan. A direct order such as "Start Metformin 500mg" must appear in the plan.
2. UPLOADED DOCUMENTS supply the objective data: lab values, vital signs and other measurements.
3. RECORDED TRANSCRIPT supplies the patient's own account for the Subjective section and any remaining context.

Connect related facts across sources. If the patient worries about blood sugar and a document reports an A1c of 8.2%, say so.

Reply with a JSON object of exactly this shape:
{
  "soap_note": {
    "subjective": "complaints and symptoms",
    "objective": "vital signs, exam findings, lab results",
    "assessment": "diagnosis and reasoning",
    "plan": "treatment, medications, follow-up"
  },
  "diagnosis": "primary diagnosis",
  "billing_code": {"code": "ICD-10 code", "description": "code description"},
  "prescriptions": [
    {"medication": "name", "dosage": "amount", "frequency": "how often", "duration": "how long"}
  ],
  "lab_orders": ["lab test"]
}

Use empty arrays when there are no prescriptions or lab orders.`

const (
	defaultLLMModel   = openai.GPT4o
	llmTemperature    = 0.1
	llmMaxTokens      = 2000
	breakerTrip       = 3
	breakerOpenPeriod = 30 * time.Second
)

type LLMConfig struct {
	APIKey string
	// BaseURL overrides the OpenAI endpoint, e.g. for a compatible proxy.
	BaseURL string
	Model   string
	Billing *BillingTable
}

// LLMExtractor asks a chat model for the whole bundle. Consecutive failures
// open a circuit breaker so a dead endpoint fails fast.
type LLMExtractor struct {
	client  *openai.Client
	model   string
	billing *BillingTable
	cb      *gobreaker.CircuitBreaker[openai.ChatCompletionResponse]
}

func NewLLMExtractor(cfg LLMConfig) (*LLMExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultLLMModel
	}
	billing := cfg.Billing
	if billing == nil {
		billing = DefaultBillingTable()
	}

	cb := gobreaker.NewCircuitBreaker[openai.ChatCompletionResponse](gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 1,
		Timeout:     breakerOpenPeriod,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("clinical: %s breaker %s -> %s", name, from, to)
		},
	})

	return &LLMExtractor{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		billing: billing,
		cb:      cb,
	}, nil
}

func (*LLMExtractor) Name() string { return "llm" }

// Extract returns the error bundle together with any error.
func (x *LLMExtractor) Extract(ctx context.Context, src Sources) (result.Bundle, error) {
	if src.Empty() {
		return ErrorBundle(src), ErrNoInput
	}
	combined := src.Combined()

	resp, err := x.cb.Execute(func() (openai.ChatCompletionResponse, error) {
		return x.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: x.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: "Here is the clinical context to process:\n" + combined},
			},
			Temperature: llmTemperature,
			MaxTokens:   llmMaxTokens,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
	})
	if err != nil {
		return ErrorBundle(src), fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return ErrorBundle(src), errors.New("chat completion returned no content")
	}

	b, err := x.parse(resp.Choices[0].Message.Content)
	if err != nil {
		log.Malformed("openai", []byte(resp.Choices[0].Message.Content), err)
		return ErrorBundle(src), err
	}
	b.Transcription = combined
	return b, nil
}

type llmNote struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

type llmReply struct {
	SOAPNote      json.RawMessage       `json:"soap_note"`
	Diagnosis     string                `json:"diagnosis"`
	BillingCode   *result.BillingCode   `json:"billing_code"`
	Prescriptions []result.Prescription `json:"prescriptions"`
	LabOrders     []string              `json:"lab_orders"`
}

func (x *LLMExtractor) parse(content string) (result.Bundle, error) {
	var r llmReply
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return result.Bundle{}, fmt.Errorf("parsing model reply as JSON: %w", err)
	}
	if len(r.SOAPNote) == 0 || string(r.SOAPNote) == "null" {
		return result.Bundle{}, errors.New("model reply is missing soap_note")
	}

	var note string
	var sections llmNote
	if err := json.Unmarshal(r.SOAPNote, &sections); err == nil {
		note = compactNote(sections.Subjective, sections.Objective, sections.Assessment, sections.Plan)
	} else if err := json.Unmarshal(r.SOAPNote, &note); err != nil {
		return result.Bundle{}, fmt.Errorf("soap_note is neither an object nor text: %w", err)
	}

	b := result.Bundle{
		SOAPNote:      note,
		Diagnosis:     strings.TrimSpace(r.Diagnosis),
		BillingCode:   result.BillingCode{Code: "N/A", Description: result.NotSpecified},
		Prescriptions: r.Prescriptions,
		LabOrders:     r.LabOrders,
	}
	if b.Diagnosis == "" {
		b.Diagnosis = UnknownDiagnosis
	}
	if r.BillingCode != nil && strings.TrimSpace(r.BillingCode.Code) != "" {
		b.BillingCode = *r.BillingCode
	} else if b.Diagnosis != UnknownDiagnosis {
		if bc := x.billing.Lookup(b.Diagnosis); bc.Code != UnspecifiedCode {
			b.BillingCode = bc
		}
	}
	if b.Prescriptions == nil {
		b.Prescriptions = []result.Prescription{}
	}
	if b.LabOrders == nil {
		b.LabOrders = []string{}
	}
	return b, nil
}
