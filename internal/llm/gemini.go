// Package llm wraps the Gemini API behind a small generation surface: plain
// text prompts and multimodal prompts referencing previously uploaded images.
// Services consume it through their own narrow interfaces so tests can inject
// deterministic fakes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Generation failure modes. Both are hard failures: a turn must never be
// answered with a silently empty reply.
var (
	// ErrNoCandidates is returned when the model response contains zero candidates.
	ErrNoCandidates = errors.New("llm: response contains no candidates")

	// ErrEmptyResponse is returned when no text-bearing part could be found
	// in the first candidate.
	ErrEmptyResponse = errors.New("llm: response contains no text parts")
)

// maxImageParts caps how many image references are forwarded per call,
// regardless of how many the caller supplies.
const maxImageParts = 3

// Gemini is the production client. It is constructed once at startup and
// shared; the underlying genai client is safe for concurrent use.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds a Gemini client for the given API key and model name.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// GenerateText sends a text-only prompt and returns the model's reply text.
func (g *Gemini) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("llm: generate: %w", err)
	}
	return extractText(resp)
}

// GenerateWithImages sends a prompt together with up to three image
// references. Images become distinct parts placed before the text part; any
// references beyond the cap are dropped.
func (g *Gemini) GenerateWithImages(ctx context.Context, prompt string, imageURIs []string) (string, error) {
	if len(imageURIs) > maxImageParts {
		imageURIs = imageURIs[:maxImageParts]
	}

	parts := make([]*genai.Part, 0, len(imageURIs)+1)
	for _, uri := range imageURIs {
		parts = append(parts, genai.NewPartFromURI(uri, mimeTypeForURI(uri)))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("llm: generate multimodal: %w", err)
	}
	return extractText(resp)
}

// extractText pulls the reply text out of a generation response. It prefers
// the SDK's aggregated Text() accessor and falls back to concatenating every
// text-bearing part of the first candidate.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoCandidates
	}
	if t := resp.Text(); t != "" {
		return t, nil
	}

	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", ErrEmptyResponse
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	if b.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

// mimeTypeForURI guesses an image MIME type from the reference's extension.
// Uploads default to JPEG, so that is the fallback.
func mimeTypeForURI(uri string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(uri), ".png"):
		return "image/png"
	case strings.HasSuffix(strings.ToLower(uri), ".webp"):
		return "image/webp"
	case strings.HasSuffix(strings.ToLower(uri), ".gif"):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
