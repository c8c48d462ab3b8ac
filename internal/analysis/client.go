// Package analysis talks to the certificate analysis service that turns a
// scanned race certificate into structured fields.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/racelog/internal/archive"
	"github.com/kalambet/racelog/internal/finishtime"
)

// ErrAnalysisFailed is returned when the service is unreachable, answers with
// a non-2xx status, or returns a body that cannot be decoded.
var ErrAnalysisFailed = errors.New("analysis failed")

// Defaults for fields the service leaves out.
const (
	DefaultEventName      = "大会名不明"
	DefaultCourseFeatures = "解析データなし"
	DefaultWeatherInfo    = "データなし"
)

// DefaultTimeout bounds one Analyze call when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// Result is what the service extracted from a certificate.
type Result struct {
	AthleteName    string `json:"athlete_name"`
	EventName      string `json:"event_name"`
	EventDate      string `json:"event_date"`
	Time           string `json:"time"`
	CourseFeatures string `json:"course_features"`
	WeatherInfo    string `json:"weather_info"`
}

// Fields converts r into the display fields of an archive form.
func (r Result) Fields() archive.Fields {
	return archive.Fields{
		AthleteName:    r.AthleteName,
		EventName:      r.EventName,
		EventDate:      r.EventDate,
		FinishTime:     r.Time,
		CourseFeatures: r.CourseFeatures,
		WeatherInfo:    r.WeatherInfo,
	}
}

func (r Result) withDefaults(alias string) Result {
	if alias != "" {
		r.AthleteName = alias
	}
	r.AthleteName = strings.TrimSpace(r.AthleteName)
	if strings.TrimSpace(r.EventName) == "" {
		r.EventName = DefaultEventName
	}
	if strings.TrimSpace(r.Time) == "" {
		r.Time = finishtime.ZeroLabel
	}
	if strings.TrimSpace(r.CourseFeatures) == "" {
		r.CourseFeatures = DefaultCourseFeatures
	}
	if strings.TrimSpace(r.WeatherInfo) == "" {
		r.WeatherInfo = DefaultWeatherInfo
	}
	return r
}

// Client calls the analysis service over HTTP.
type Client struct {
	baseURL    string
	alias      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithAthleteAlias replaces every extracted athlete name with alias.
func WithAthleteAlias(alias string) Option {
	return func(c *Client) { c.alias = strings.TrimSpace(alias) }
}

// WithLogger sets the logger used for non-fatal problems.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client targeting the given service base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsRunning returns true if the service answers GET /health with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// analyzeRequest is the JSON body for POST /analyze.
type analyzeRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
	Text     string `json:"text,omitempty"`
}

// Analyze sends a certificate to the service and returns the extracted
// fields with defaults applied. An empty mimeType is sniffed from the data.
func (c *Client) Analyze(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty certificate", ErrAnalysisFailed)
	}
	if mimeType == "" {
		mimeType = DetectMIME(data)
	}

	ar := analyzeRequest{
		Image:    base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
	if IsPDF(mimeType, data) {
		text, err := ExtractPDFText(data)
		if err != nil {
			c.logger.Warn("pdf text layer unreadable, sending image only", "error", err)
		}
		ar.Text = text
	}

	body, err := json.Marshal(ar)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating request: %w", ErrAnalysisFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading response: %w", ErrAnalysisFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: unexpected status %d", ErrAnalysisFailed, resp.StatusCode)
	}

	result, err := decodeResult(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}
	return result.withDefaults(c.alias), nil
}

// decodeResult parses the body, tolerating a markdown code fence around it.
func decodeResult(raw []byte) (Result, error) {
	text := stripFence(string(raw))
	var r Result
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return Result{}, fmt.Errorf("decoding analysis response: %w", err)
	}
	return r, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// DetectMIME sniffs the content type of a certificate upload.
func DetectMIME(data []byte) string {
	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}
