package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	openAIName         = "openai"
	openAIDefaultModel = "gpt-4o-mini"
	openAIDefaultURL   = "https://api.openai.com/v1"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider returns nil when apiKey is empty so the gateway skips it.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string, httpClient *http.Client) *OpenAIProvider {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = openAIDefaultURL
	}
	if strings.TrimSpace(defaultModel) == "" || modelFamily(defaultModel) != openAIName {
		defaultModel = openAIDefaultModel
	}
	if httpClient == nil {
		// Deadlines come from the request context.
		httpClient = &http.Client{}
	}
	return &OpenAIProvider{apiKey: apiKey, baseURL: baseURL, model: defaultModel, httpClient: httpClient}
}

func (p *OpenAIProvider) Name() string         { return openAIName }
func (p *OpenAIProvider) DefaultModel() string { return p.model }

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	InputAudio *inputAudio `json:"input_audio,omitempty"`
}

type inputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
			AudioTokens  int `json:"audio_tokens"`
		} `json:"prompt_tokens_details"`
		CompletionTokensDetails *struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate issues one chat completion request.
func (p *OpenAIProvider) Generate(ctx context.Context, model string, req Request) (Response, error) {
	payload, err := p.buildRequest(model, req)
	if err != nil {
		return Response{}, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("openai request: encode body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return Response{}, fmt.Errorf("openai request: new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &ProviderError{Provider: openAIName, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &ProviderError{Provider: openAIName, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Response{}, &ProviderError{
			Provider:   openAIName,
			StatusCode: resp.StatusCode,
			Fatal:      statusIsFatal(resp.StatusCode),
			Err:        errors.New(truncate(string(body), 300)),
		}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return Response{}, &ProviderError{Provider: openAIName, Err: fmt.Errorf("decode response: %w", err)}
	}
	if completion.Error != nil {
		return Response{}, &ProviderError{Provider: openAIName, Err: errors.New(strings.TrimSpace(completion.Error.Message))}
	}
	return completion.toResponse(), nil
}

func (p *OpenAIProvider) buildRequest(model string, req Request) (chatCompletionRequest, error) {
	messages := make([]chatMessage, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}

	parts := make([]contentPart, 0, len(req.Parts)+1)
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		parts = append(parts, contentPart{Type: "text", Text: prompt})
	}
	for _, part := range req.Parts {
		if !part.IsMedia() {
			if strings.TrimSpace(part.Text) != "" {
				parts = append(parts, contentPart{Type: "text", Text: part.Text})
			}
			continue
		}
		format, ok := audioFormat(part.MIME)
		if !ok {
			return chatCompletionRequest{}, &ProviderError{
				Provider: openAIName,
				Fatal:    true,
				Err:      fmt.Errorf("media type %s is not supported", part.MIME),
			}
		}
		parts = append(parts, contentPart{
			Type:       "input_audio",
			InputAudio: &inputAudio{Data: base64.StdEncoding.EncodeToString(part.Data), Format: format},
		})
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		messages = append(messages, chatMessage{Role: "user", Content: parts[0].Text})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	}

	payload := chatCompletionRequest{Model: model, Messages: messages}
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return payload, nil
}

func (c chatCompletionResponse) toResponse() Response {
	resp := Response{}
	for _, choice := range c.Choices {
		text := strings.TrimSpace(choice.Message.Content)
		if text == "" {
			continue
		}
		resp.Candidates = append(resp.Candidates, text)
		if resp.Text == "" {
			resp.Text = text
		}
	}
	if u := c.Usage; u != nil {
		resp.Usage = &Usage{
			InputTokens:  intPtr(u.PromptTokens),
			OutputTokens: intPtr(u.CompletionTokens),
			TotalTokens:  intPtr(u.TotalTokens),
		}
		if d := u.PromptTokensDetails; d != nil {
			resp.Usage.CachedTokens = intPtr(d.CachedTokens)
			resp.Usage.AudioInputTokens = intPtr(d.AudioTokens)
		}
		if d := u.CompletionTokensDetails; d != nil {
			resp.Usage.ThinkingTokens = intPtr(d.ReasoningTokens)
		}
	}
	return resp
}

func audioFormat(mime string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav", true
	case "audio/mpeg", "audio/mp3":
		return "mp3", true
	default:
		return "", false
	}
}
