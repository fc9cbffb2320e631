package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	geminiName         = "gemini"
	geminiDefaultModel = "gemini-2.5-flash"
)

// GeminiProvider calls Gemini through the official SDK. Media parts travel as inline blobs.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider returns (nil, nil) when apiKey is empty so the gateway skips it.
func NewGeminiProvider(ctx context.Context, apiKey, baseURL, defaultModel string) (*GeminiProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, nil
	}
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint := strings.TrimSpace(baseURL); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if strings.TrimSpace(defaultModel) == "" || modelFamily(defaultModel) != geminiName {
		defaultModel = geminiDefaultModel
	}
	return &GeminiProvider{client: client, model: defaultModel}, nil
}

func (p *GeminiProvider) Name() string         { return geminiName }
func (p *GeminiProvider) DefaultModel() string { return p.model }

// Close releases the SDK client.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

// Generate issues one GenerateContent call.
func (p *GeminiProvider) Generate(ctx context.Context, model string, req Request) (Response, error) {
	gm := p.client.GenerativeModel(model)
	if system := strings.TrimSpace(req.System); system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.JSON {
		gm.ResponseMIMEType = "application/json"
	}

	resp, err := gm.GenerateContent(ctx, geminiParts(req)...)
	if err != nil {
		return Response{}, classifyGeminiError(err)
	}
	return geminiResponse(resp), nil
}

func geminiParts(req Request) []genai.Part {
	parts := make([]genai.Part, 0, len(req.Parts)+1)
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		parts = append(parts, genai.Text(prompt))
	}
	for _, part := range req.Parts {
		switch {
		case part.IsMedia():
			parts = append(parts, genai.Blob{MIMEType: part.MIME, Data: part.Data})
		case strings.TrimSpace(part.Text) != "":
			parts = append(parts, genai.Text(part.Text))
		}
	}
	return parts
}

func geminiResponse(resp *genai.GenerateContentResponse) Response {
	out := Response{}
	if resp == nil {
		return out
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			continue
		}
		out.Candidates = append(out.Candidates, text)
		if out.Text == "" {
			out.Text = text
		}
	}
	if meta := resp.UsageMetadata; meta != nil {
		out.Usage = &Usage{
			InputTokens:  intPtr(int(meta.PromptTokenCount)),
			OutputTokens: intPtr(int(meta.CandidatesTokenCount)),
			TotalTokens:  intPtr(int(meta.TotalTokenCount)),
			CachedTokens: intPtr(int(meta.CachedContentTokenCount)),
		}
	}
	return out
}

func classifyGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &ProviderError{Provider: geminiName, Fatal: true, Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: geminiName, StatusCode: apiErr.Code, Fatal: statusIsFatal(apiErr.Code), Err: err}
	}
	return &ProviderError{Provider: geminiName, Err: err}
}
