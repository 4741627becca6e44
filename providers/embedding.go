package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"videoSearch/config"
)

// EmbeddingProvider produces vectors for text and for frame images.
type EmbeddingProvider interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, imageBytes []byte) ([]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint. Image
// inputs are sent as data URLs, which requires a multimodal embedding
// model behind the configured base URL.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(cfg *config.Config) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.EmbeddingModel,
	}
}

func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text)
}

func (e *OpenAIEmbedder) EmbedImage(ctx context.Context, imageBytes []byte) ([]float32, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageBytes)
	return e.embed(ctx, dataURL)
}

func (e *OpenAIEmbedder) embed(ctx context.Context, input string) ([]float32, error) {
	var embedding []float32

	op := func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: []string{input},
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return backoff.Permanent(fmt.Errorf("no embeddings returned"))
		}
		embedding = resp.Data[0].Embedding
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("embedding API failed: %w", err)
	}
	return embedding, nil
}
