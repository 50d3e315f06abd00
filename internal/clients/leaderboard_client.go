// Package clients contains the HTTP client for the battery trading
// leaderboard API. Every call is a single stateless round trip; retrying is
// the caller's business.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultBaseURL  = "https://onbalansmarkt.com"
	measurementPath = "/api/v1/measurement"
	profilePath     = "/api/v1/profile"

	userAgent = "onbalansmarkt-bridge/1"

	wireDateLayout = "2006-01-02"
)

var (
	// ErrRemoteRejected the service answered with a non-2xx status. Bad
	// credential or bad payload; retrying without user action will not help.
	ErrRemoteRejected = errors.New("remote rejected request")
	// ErrRemoteUnreachable transport-level failure. Safe to retry on the next
	// scheduled tick.
	ErrRemoteUnreachable = errors.New("remote unreachable")
	// ErrRemoteUnexpectedFormat the response body is not the structured
	// format this client understands.
	ErrRemoteUnexpectedFormat = errors.New("remote returned unexpected format")
)

// LeaderboardClient talks to the trading leaderboard API.
type LeaderboardClient struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// now is overridable in tests for the calendar-day lookup.
	now func() time.Time
}

// NewLeaderboardClient creates a client for the given base URL and bearer
// token. An empty baseURL selects the public service.
func NewLeaderboardClient(baseURL, token string) *LeaderboardClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &LeaderboardClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		now: time.Now,
	}
}

// Submission is one measurement in send-ready form. The lifetime total must
// already include the configured offset; this client does not know about
// offsets. Nil optional fields are left off the wire entirely.
type Submission struct {
	Timestamp   time.Time
	DailyResult decimal.Decimal
	TotalResult decimal.Decimal

	DailyCharged        *decimal.Decimal
	DailyDischarged     *decimal.Decimal
	BatteryPercentage   *decimal.Decimal
	CycleCount          *int
	LoadBalancingActive *bool
	Mode                domain.TradingMode
}

// payload renders the string-encoded field map the API expects.
func (s Submission) payload() map[string]string {
	fields := map[string]string{
		"timestamp":          s.Timestamp.Format(time.RFC3339),
		"batteryResult":      s.DailyResult.String(),
		"batteryResultTotal": s.TotalResult.String(),
	}
	if s.DailyCharged != nil {
		fields["chargedToday"] = s.DailyCharged.String()
	}
	if s.DailyDischarged != nil {
		fields["dischargedToday"] = s.DailyDischarged.String()
	}
	if s.BatteryPercentage != nil {
		fields["batteryPercentage"] = s.BatteryPercentage.String()
	}
	if s.CycleCount != nil {
		fields["cycleCount"] = fmt.Sprintf("%d", *s.CycleCount)
	}
	if s.LoadBalancingActive != nil {
		fields["loadBalancingActive"] = fmt.Sprintf("%t", *s.LoadBalancingActive)
	}
	if s.Mode != "" && s.Mode.IsValid() {
		fields["tradingMode"] = s.Mode.String()
	}
	return fields
}

// SubmitMeasurement posts one measurement and returns the opaque success body.
func (c *LeaderboardClient) SubmitMeasurement(ctx context.Context, sub Submission) (string, error) {
	if c.token == "" {
		return "", errors.New("api token is empty")
	}
	if sub.Timestamp.IsZero() {
		return "", errors.New("submission timestamp is required")
	}

	body, err := json.Marshal(sub.payload())
	if err != nil {
		return "", errors.Wrap(err, "marshal measurement payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+measurementPath, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create measurement request")
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(ErrRemoteUnreachable, "submit measurement: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(ErrRemoteUnreachable, "read measurement response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", rejectionError("submit measurement", resp, payload)
	}

	return strings.TrimSpace(string(payload)), nil
}

// Profile is the account view of the leaderboard, including the day results
// the service computed from submitted measurements.
type Profile struct {
	Username  string
	Name      string
	Today     *DayResult
	Yesterday *DayResult
}

// DayResult is the per-day leaderboard entry.
type DayResult struct {
	Date             string          `json:"date"`
	Position         int             `json:"position"`
	ProviderPosition int             `json:"positionProvider"`
	DailyResult      decimal.Decimal `json:"batteryResult"`
	DailyCharged     decimal.Decimal `json:"chargedToday"`
	DailyDischarged  decimal.Decimal `json:"dischargedToday"`
}

// profileResponse covers both wire shapes: the current one with explicit
// today/yesterday objects and the legacy one with a flat list of dated
// entries.
type profileResponse struct {
	Username  string      `json:"username"`
	Name      string      `json:"name"`
	Today     *DayResult  `json:"today,omitempty"`
	Yesterday *DayResult  `json:"yesterday,omitempty"`
	Results   []DayResult `json:"results,omitempty"`
}

// FetchProfile retrieves the account profile with today and yesterday day
// results resolved, regardless of which wire shape the service used.
func (c *LeaderboardClient) FetchProfile(ctx context.Context) (*Profile, error) {
	if c.token == "" {
		return nil, errors.New("api token is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+profilePath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create profile request")
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteUnreachable, "fetch profile: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteUnreachable, "read profile response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rejectionError("fetch profile", resp, payload)
	}

	if !isJSONContent(resp.Header.Get("Content-Type")) {
		return nil, errors.Wrapf(ErrRemoteUnexpectedFormat, "fetch profile: content type %q", resp.Header.Get("Content-Type"))
	}

	var decoded profileResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, errors.Wrapf(ErrRemoteUnexpectedFormat, "decode profile: %v", err)
	}

	profile := &Profile{
		Username:  decoded.Username,
		Name:      decoded.Name,
		Today:     decoded.Today,
		Yesterday: decoded.Yesterday,
	}

	if profile.Today == nil && len(decoded.Results) > 0 {
		now := c.now()
		profile.Today = matchDay(decoded.Results, now)
		if profile.Yesterday == nil {
			profile.Yesterday = matchDay(decoded.Results, now.AddDate(0, 0, -1))
		}
	}

	return profile, nil
}

func (c *LeaderboardClient) decorate(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// matchDay finds the entry whose date equals the calendar day of t.
func matchDay(results []DayResult, t time.Time) *DayResult {
	want := t.Format(wireDateLayout)
	for i := range results {
		if results[i].Date == want {
			day := results[i]
			return &day
		}
	}
	return nil
}

// rejectionError classifies a non-2xx response. A JSON body carries a
// service-side message worth surfacing; an HTML body usually means the
// request never reached the API proper, which points at the credential or
// the endpoint.
func rejectionError(op string, resp *http.Response, payload []byte) error {
	trimmed := strings.TrimSpace(string(payload))

	if looksLikeHTML(resp.Header.Get("Content-Type"), trimmed) {
		return errors.Wrapf(ErrRemoteRejected,
			"%s: status %d with an HTML response, the API token or endpoint may be invalid", op, resp.StatusCode)
	}

	var svcErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &svcErr); err == nil {
		msg := svcErr.Message
		if msg == "" {
			msg = svcErr.Error
		}
		if msg != "" {
			return errors.Wrapf(ErrRemoteRejected, "%s: status %d: %s", op, resp.StatusCode, msg)
		}
	}

	return errors.Wrapf(ErrRemoteRejected, "%s: status %d: %s", op, resp.StatusCode, trimmed)
}

func isJSONContent(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

func looksLikeHTML(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	lowered := strings.ToLower(body)
	return strings.HasPrefix(lowered, "<!doctype html") || strings.HasPrefix(lowered, "<html")
}
