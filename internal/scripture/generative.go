package scripture

import (
	"context"
	"errors"
	"net"
	"net/http"

	"google.golang.org/genai"

	"github.com/versevoice/platform/internal/apperr"
)

// Generator is the text-generation side of the generative backend.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Gemini calls the Gemini API for fallback chapter and search generation.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds the generative client. Fails fast when no credential is
// configured so callers surface remediation instead of a late network error.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, apperr.New(apperr.CodeCredentialMissing, "no API key configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, Classify(err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", Classify(err)
	}
	text := resp.Text()
	if text == "" {
		return "", apperr.New(apperr.CodeEmptyResult, "model returned no text")
	}
	return text, nil
}

// Classify maps a generative backend failure onto the error taxonomy using
// structured status codes. The terminal classes (credential, quota) are the
// ones the retry policy must never wait on.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var code apperr.Code
	if apperr.CodeOf(err) != apperr.CodeUnknown {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			code = apperr.CodeQuotaExhausted
		case http.StatusUnauthorized:
			code = apperr.CodeCredentialInvalid
		case http.StatusForbidden:
			code = apperr.CodeCredentialBlocked
		default:
			code = apperr.CodeNetworkError
		}
		return apperr.Wrap(err, code, "generative backend")
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = apperr.CodeNetworkTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		code = apperr.CodeNetworkTimeout
	default:
		code = apperr.CodeNetworkError
	}
	return apperr.Wrap(err, code, "generative backend")
}
