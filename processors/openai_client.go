package processors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"lectureIndex/config"
	"lectureIndex/core"
)

const (
	explainSystemPrompt = "You are a concise tutor AI. Explain the slide region in 3–5 sentences using all context."
	explainInstruction  = "Explain the part of the slide provided in the second image using the full slide and transcript as context. " +
		"Write the explanation in your own words. Use simple language. " +
		"Do not mention images, slides, or sections; only explain the concepts shown. " +
		"If and only if you have relevant knowledge beyond the transcript and slide that can help clarify or enrich the explanation, include it concisely."
	labelSystemPrompt = "Label this transcript chunk concisely."
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Labeler 为转写块生成简短标签
type Labeler interface {
	Label(ctx context.Context, text string) (string, error)
}

// Explainer generates an explanation for a cropped slide region.
type Explainer interface {
	Explain(ctx context.Context, transcript string, crop, full []byte) (string, error)
}

// OpenAIClient wraps go-openai for embeddings, chunk labels, region explanations and Whisper.
type OpenAIClient struct {
	client             *openai.Client
	embeddingModel     string
	chatModel          string
	transcriptionModel string
	temperature        float32
	language           string
}

// NewOpenAIClient 创建模型客户端
func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if cfg.OpenAI.BaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAI.BaseURL
	}
	return &OpenAIClient{
		client:             openai.NewClientWithConfig(clientConfig),
		embeddingModel:     cfg.OpenAI.EmbeddingModel,
		chatModel:          cfg.OpenAI.ChatModel,
		transcriptionModel: cfg.OpenAI.TranscriptionModel,
		temperature:        cfg.OpenAI.Temperature,
		language:           cfg.ASR.Language,
	}
}

func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding API failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (c *OpenAIClient) Label(ctx context.Context, text string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: labelSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("label chunk: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("label chunk: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) Explain(ctx context.Context, transcript string, crop, full []byte) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: explainSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: explainInstruction},
					{Type: openai.ChatMessagePartTypeText, Text: transcript},
					{Type: openai.ChatMessagePartTypeText, Text: "This image shows the complete slide for context."},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: pngDataURL(full)}},
					{Type: openai.ChatMessagePartTypeText, Text: "This image shows the specific part of the slide to explain."},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: pngDataURL(crop)}},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("explain region: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("explain region: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcribe sends audio to the Whisper API and returns timestamped segments.
func (c *OpenAIClient) Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcriptionModel,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: c.language,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	result := &TranscriptionResult{Text: strings.TrimSpace(resp.Text), Language: resp.Language}
	for _, seg := range resp.Segments {
		result.Segments = append(result.Segments, core.Segment{Start: seg.Start, End: seg.End, Text: strings.TrimSpace(seg.Text)})
	}
	if result.Language == "" {
		result.Language = c.language
	}
	return result, nil
}
