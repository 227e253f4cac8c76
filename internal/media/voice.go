// Package media renders optional voice clips for character replies.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrVoiceDisabled indicates no synthesizer endpoint is configured.
var ErrVoiceDisabled = errors.New("media: voice synthesis disabled")

// VoiceRequest describes the reply to render.
type VoiceRequest struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	ExchangeID  string `json:"exchange_id"`
	Text        string `json:"text"`
	Emotion     string `json:"emotion"`
}

// VoiceClip is a rendered clip.
type VoiceClip struct {
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// VoiceSynthesizer renders speech for a reply. Callers treat every error as "no audio".
type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, request VoiceRequest) (VoiceClip, error)
}

// Disabled is a VoiceSynthesizer that never produces audio.
type Disabled struct{}

// Synthesize always returns ErrVoiceDisabled.
func (Disabled) Synthesize(context.Context, VoiceRequest) (VoiceClip, error) {
	return VoiceClip{}, ErrVoiceDisabled
}

// HTTPSynthesizer posts voice requests to an external rendering service.
type HTTPSynthesizer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSynthesizer targets endpoint. A nil client gets a 20 second timeout.
func NewHTTPSynthesizer(endpoint string, client *http.Client) *HTTPSynthesizer {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPSynthesizer{endpoint: strings.TrimSpace(endpoint), client: client}
}

// Synthesize sends the request as JSON and decodes the returned clip.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, request VoiceRequest) (VoiceClip, error) {
	if s == nil || s.endpoint == "" {
		return VoiceClip{}, ErrVoiceDisabled
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return VoiceClip{}, err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return VoiceClip{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(httpRequest)
	if err != nil {
		return VoiceClip{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return VoiceClip{}, fmt.Errorf("media: synthesizer returned %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
	var clip VoiceClip
	if err := json.NewDecoder(response.Body).Decode(&clip); err != nil {
		return VoiceClip{}, fmt.Errorf("media: decode clip: %w", err)
	}
	if strings.TrimSpace(clip.URL) == "" {
		return VoiceClip{}, errors.New("media: synthesizer returned no clip url")
	}
	return clip, nil
}
