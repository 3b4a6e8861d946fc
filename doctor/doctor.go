// Package doctor runs the "scribe doctor" diagnostics: configuration,
// microphone, backend reachability, provider keys, database and clipboard.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scribe/audio"
	"scribe/clipboard"
	"scribe/config"
	"scribe/internal/db"
	"scribe/internal/nettrace"
	"scribe/transcriber"
)

// ErrSkipped marks a check that does not apply to this setup. Skips do not
// fail the run.
var ErrSkipped = errors.New("skipped")

// Check is one diagnostic. Run returns a short detail line on success.
type Check struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Runner prints each check as it runs and tallies failures.
type Runner struct {
	Out     io.Writer
	Timeout time.Duration
}

// Run executes checks in order and reports whether all of them passed.
func (r Runner) Run(ctx context.Context, checks []Check) bool {
	out := r.Out
	if out == nil {
		out = os.Stdout
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	allPass := true
	for i, c := range checks {
		fmt.Fprintf(out, "\n[%d/%d] %s\n", i+1, len(checks), c.Name)
		cctx, cancel := context.WithTimeout(ctx, timeout)
		detail, err := c.Run(cctx)
		cancel()
		switch {
		case errors.Is(err, ErrSkipped):
			fmt.Fprintf(out, "  SKIP: %s\n", detail)
		case err != nil:
			allPass = false
			fmt.Fprintf(out, "  FAIL: %v\n", err)
			if detail != "" {
				fmt.Fprintf(out, "  %s\n", detail)
			}
		default:
			fmt.Fprintf(out, "  PASS: %s\n", detail)
		}
	}

	fmt.Fprintln(out)
	if allPass {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		fmt.Fprintln(out, "Some checks failed. See details above.")
	}
	return allPass
}

// Run executes the standard checks and returns an exit code (0=all pass,
// 1=any fail).
func Run(cfg *config.Config, device string) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("scribe doctor - system diagnostics")
	fmt.Println("==================================")

	checks := []Check{
		{"Configuration", func(context.Context) (string, error) { return checkConfig(cfg) }},
		{"Microphone", func(ctx context.Context) (string, error) { return checkMicrophone(ctx, device) }},
		{"Backend", func(ctx context.Context) (string, error) { return checkBackend(ctx, cfg.ServerURL) }},
		{"Speech-to-text provider", func(context.Context) (string, error) { return checkProvider(cfg) }},
		{"Note extractor", func(context.Context) (string, error) { return checkExtractor(cfg) }},
		{"Database", func(ctx context.Context) (string, error) { return checkDatabase(ctx, cfg) }},
		{"Local store", func(context.Context) (string, error) { return checkStore(cfg.ResolvedStorePath()) }},
		{"Clipboard", func(context.Context) (string, error) { return checkClipboard() }},
	}
	if (Runner{}).Run(context.Background(), checks) {
		return 0
	}
	return 1
}

func checkConfig(cfg *config.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("env=%s channel=%s format=%s result_timeout=%s",
		cfg.Env, cfg.ChannelMode, cfg.BatchFormat, cfg.ResultTimeout), nil
}

const micProbe = 2 * time.Second

func checkMicrophone(ctx context.Context, query string) (string, error) {
	actx, err := audio.NewContext()
	if err != nil {
		return micHint(err), err
	}
	defer actx.Close()

	var dev *audio.DeviceInfo
	if query != "" {
		if dev, err = audio.FindDevice(actx, query); err != nil {
			return micHint(err), err
		}
	}
	return probeLevel(ctx, actx, dev, micProbe)
}

// probeLevel records for d and reports the loudest buffer seen and how
// much of the recording sounded like speech.
func probeLevel(ctx context.Context, actx audio.Context, dev *audio.DeviceInfo, d time.Duration) (string, error) {
	a := audio.NewAdapter(actx, audio.AdapterConfig{Device: dev})
	vad, vadErr := audio.NewVAD()
	var mu sync.Mutex
	var peak float64
	var bytes int
	a.OnRaw(func(pcm []byte, level float64) {
		mu.Lock()
		peak = max(peak, level)
		bytes += len(pcm)
		mu.Unlock()
		if vadErr == nil {
			vad.Process(pcm)
		}
	})
	if err := a.Open(); err != nil {
		return micHint(err), err
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	name := a.DeviceName()
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	if bytes == 0 {
		return "", fmt.Errorf("%s delivered no audio", name)
	}
	detail := fmt.Sprintf("%s, peak level %.3f over %s", name, peak, d)
	if vadErr == nil {
		detail += ", " + vad.Summary().String()
	}
	if audio.IsBluetooth(name) {
		detail += " (Bluetooth headsets record narrowband audio)"
	}
	return detail, nil
}

func micHint(err error) string {
	var de *audio.DeviceUnavailableError
	if !errors.As(err, &de) {
		return ""
	}
	if de.Kind == audio.PermissionDenied {
		return "Grant microphone access to your terminal in the system privacy settings."
	}
	return "Connect a microphone, or pass --device to pick one."
}

type health struct {
	Status      string `json:"status"`
	Transcriber string `json:"transcriber"`
	Extractor   string `json:"extractor"`
}

func checkBackend(ctx context.Context, serverURL string) (string, error) {
	url := strings.TrimRight(serverURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := nettrace.New(0).Do(req)
	if err != nil {
		return "Start it with: scribe serve", fmt.Errorf("%s unreachable: %w", serverURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s answered %d", url, resp.StatusCode)
	}
	var h health
	if err := json.Unmarshal(resp.Body, &h); err != nil {
		return "", fmt.Errorf("unexpected health payload: %w", err)
	}
	detail := fmt.Sprintf("%s is %s (transcriber %s, extractor %s)", serverURL, h.Status, h.Transcriber, h.Extractor)
	if m := resp.Metrics; m != nil {
		detail += fmt.Sprintf(", %dms", m.Total.Milliseconds())
	}
	return detail, nil
}

func checkProvider(cfg *config.Config) (string, error) {
	t, err := transcriber.New(transcriber.Keys{
		Deepgram: cfg.DeepgramAPIKey,
		Groq:     cfg.GroqAPIKey,
		OpenAI:   cfg.OpenAIAPIKey,
	}, cfg.Language)
	if errors.Is(err, transcriber.ErrNoProvider) {
		return "no DEEPGRAM_API_KEY, GROQ_API_KEY or OPENAI_API_KEY; the server answers audio with a sample transcript", ErrSkipped
	}
	if err != nil {
		return "", err
	}
	mode := "batch"
	if t.Streaming() {
		mode = "streaming"
	}
	return fmt.Sprintf("%s (%s, language %s)", t.Name(), mode, t.GetLanguage()), nil
}

func checkExtractor(cfg *config.Config) (string, error) {
	if cfg.OpenAIAPIKey == "" {
		return "OPENAI_API_KEY not set; notes come from the regex extractor", ErrSkipped
	}
	return "llm (" + cfg.OpenAIModel + ") with regex fallback", nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return "DATABASE_URL not set; the server keeps patients in memory", ErrSkipped
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, 1, 0)
	if err != nil {
		return "", err
	}
	defer pool.Close()
	cc := pool.Config().ConnConfig
	return fmt.Sprintf("%s:%d/%s", cc.Host, cc.Port, cc.Database), nil
}

func checkStore(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("store directory not writable: %w", err)
	}
	f.Close()
	os.Remove(f.Name())
	return path, nil
}

func checkClipboard() (string, error) {
	if !clipboard.Available() {
		return "Install xclip, xsel or wl-clipboard to copy notes.", clipboard.ErrUnsupported
	}
	prev, _ := clipboard.Read()
	defer clipboard.Copy(prev)

	const marker = "scribe-doctor-test"
	if err := clipboard.Copy(marker); err != nil {
		return "", err
	}
	got, err := clipboard.Read()
	if err != nil {
		return "", err
	}
	if got != marker {
		return "", fmt.Errorf("read back %q, want %q", got, marker)
	}
	return "copy and read back verified", nil
}
