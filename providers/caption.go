package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"videoSearch/config"
)

// CaptionProvider describes one frame image in plain language.
type CaptionProvider interface {
	Describe(ctx context.Context, imageBytes []byte) (string, error)
}

const captionPrompt = "Describe what is happening in the image"

// OpenAICaptioner runs a vision chat completion per frame.
type OpenAICaptioner struct {
	client *openai.Client
	model  string
}

func NewOpenAICaptioner(cfg *config.Config) *OpenAICaptioner {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAICaptioner{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.CaptionModel,
	}
}

func (c *OpenAICaptioner) Describe(ctx context.Context, imageBytes []byte) (string, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageBytes)

	var caption string
	op := func() error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{Type: openai.ChatMessagePartTypeText, Text: captionPrompt},
						{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
					},
				},
			},
			MaxTokens:   300,
			Temperature: 0.2,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("no caption returned"))
		}
		caption = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 45 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", fmt.Errorf("caption API failed: %w", err)
	}
	return caption, nil
}
