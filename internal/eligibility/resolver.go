// Package eligibility resolves member chat eligibility against the benefits
// backend and normalizes the payload into a single configuration record.
package eligibility

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/membercare/chat-gateway/internal/chat"
	"github.com/membercare/chat-gateway/internal/domain"
	"github.com/membercare/chat-gateway/internal/hours"
)

// maxResponseBodySize caps eligibility payload reads (1MB).
const maxResponseBodySize = 1 << 20

// Resolver fetches and normalizes eligibility records.
type Resolver struct {
	client  *http.Client
	baseURL string
	now     func() time.Time
	logger  *slog.Logger
}

// Config holds resolver construction parameters.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
	}
}

// NewResolver creates a resolver against the configured eligibility endpoint.
func NewResolver(cfg Config, logger *slog.Logger) (*Resolver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("eligibility base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid eligibility base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		now:     time.Now,
		logger:  logger,
	}, nil
}

// WithClock overrides the resolver clock. Intended for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// WithHTTPClient overrides the underlying HTTP client. Intended for tests.
func (r *Resolver) WithHTTPClient(c *http.Client) *Resolver {
	r.client = c
	return r
}

// flexBool decodes JSON booleans that the backend sometimes serializes as
// strings ("true"/"Y"/"1").
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "y", "yes", "1":
			*b = true
		default:
			*b = false
		}
	case nil:
		*b = false
	default:
		return fmt.Errorf("cannot decode %T as boolean", v)
	}
	return nil
}

// payload is the raw eligibility endpoint response.
type payload struct {
	IsEligible        flexBool  `json:"isEligible"`
	ChatAvailable     *flexBool `json:"chatAvailable,omitempty"`
	CloudChatEligible flexBool  `json:"cloudChatEligible"`
	ChatGroup         string    `json:"chatGroup"`
	BusinessHours     *struct {
		IsOpen flexBool `json:"isOpen"`
		Text   string   `json:"text"`
	} `json:"businessHours,omitempty"`
	WorkingHours string `json:"workingHours,omitempty"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	SubscriberID string `json:"subscriberId"`
	DateOfBirth  string `json:"dateOfBirth"`
}

// Load issues one eligibility request and maps the response. Failures are
// classified: transport/non-2xx as KindAPI, invalid payloads as
// KindConfiguration. The caller always receives either a complete record or
// a classified error, never a partial state.
func (r *Resolver) Load(ctx context.Context, memberID, planID, memberType string) (*domain.EligibilityRecord, error) {
	endpoint := fmt.Sprintf("%s/members/%s/chat-eligibility?planId=%s&memberType=%s",
		r.baseURL, url.PathEscape(memberID), url.QueryEscape(planID), url.QueryEscape(memberType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, chat.NewError(chat.KindAPI, "build eligibility request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, chat.NewError(chat.KindAPI, "eligibility request failed", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Debug("failed to close eligibility response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, chat.NewError(chat.KindAPI, "read eligibility response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, chat.NewError(chat.KindAPI,
			fmt.Sprintf("eligibility endpoint returned %d", resp.StatusCode), nil)
	}

	var raw payload
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&raw); err != nil {
		return nil, chat.NewError(chat.KindConfiguration, "decode eligibility payload", err)
	}

	record, err := r.normalize(&raw, planID, memberType)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Eligibility resolved",
		"member_id", memberID,
		"eligible", record.IsEligible,
		"chat_available", record.ChatAvailable,
		"mode", record.Mode())
	return record, nil
}

// normalize maps the raw payload into the domain record, running raw
// workingHours through the evaluator when the backend did not compute
// businessHours itself.
func (r *Resolver) normalize(raw *payload, planID, memberType string) (*domain.EligibilityRecord, error) {
	record := &domain.EligibilityRecord{
		IsEligible:        bool(raw.IsEligible),
		CloudChatEligible: bool(raw.CloudChatEligible),
		ChatGroup:         strings.TrimSpace(raw.ChatGroup),
		WorkingHours:      strings.TrimSpace(raw.WorkingHours),
		Member: domain.MemberProfile{
			FirstName:    raw.FirstName,
			LastName:     raw.LastName,
			SubscriberID: raw.SubscriberID,
			DateOfBirth:  raw.DateOfBirth,
			PlanID:       planID,
			MemberType:   memberType,
		},
	}

	switch {
	case raw.BusinessHours != nil:
		record.BusinessHours = domain.BusinessHours{
			IsOpen: bool(raw.BusinessHours.IsOpen),
			Text:   raw.BusinessHours.Text,
		}
	case record.WorkingHours != "":
		isOpen, text := hours.Evaluate(record.WorkingHours, r.now())
		record.BusinessHours = domain.BusinessHours{IsOpen: isOpen, Text: text}
	case record.IsEligible:
		// An eligible member without any hours information cannot be routed.
		return nil, chat.NewError(chat.KindConfiguration,
			"eligibility payload has neither businessHours nor workingHours", nil)
	}

	// Hours gate applies to both legacy and cloud modes. ChatAvailable from
	// the backend, if present, is still subordinate to the hours gate.
	available := record.IsEligible && record.BusinessHours.IsOpen
	if raw.ChatAvailable != nil {
		available = available && bool(*raw.ChatAvailable)
	}
	record.ChatAvailable = available

	return record, nil
}
