package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/pkg/circuitbreaker"
	"github.com/housing-intel/backend/pkg/logger"
	"github.com/housing-intel/backend/pkg/retry"
)

var (
	// ErrEmbeddingService marks transient embedding backend failures.
	ErrEmbeddingService = errors.New("embedding service unavailable")
	// ErrEmbeddingRejected marks inputs the model will never accept.
	ErrEmbeddingRejected = errors.New("embedding input rejected")
	// ErrGenerationService marks transient generation backend failures.
	ErrGenerationService = errors.New("generation service unavailable")
	// ErrContentPolicy marks generation refused on policy grounds.
	ErrContentPolicy = errors.New("generation rejected by content policy")
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	embeddingDim   int
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(apiKey, model, embeddingModel string, embeddingDim int, temperature float32, maxTokens, timeoutSec int) *Client {
	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         openai.NewClient(apiKey),
		model:          model,
		embeddingModel: embeddingModel,
		embeddingDim:   embeddingDim,
		temperature:    temperature,
		maxTokens:      maxTokens,
		timeout:        time.Duration(timeoutSec) * time.Second,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// Embed turns text into a fixed-dimension vector. Transient failures are
// retried with backoff; permanent rejections surface immediately.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Model: openai.EmbeddingModel(c.embeddingModel),
				Input: []string{text},
			})
			if err != nil {
				return classifyEmbeddingError(err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("%w: empty embedding response", ErrEmbeddingService)
			}
			result = resp.Data[0].Embedding
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if c.embeddingDim > 0 && len(result) != c.embeddingDim {
		return nil, fmt.Errorf("%w: dimension mismatch: got %d, want %d",
			ErrEmbeddingRejected, len(result), c.embeddingDim)
	}

	return result, nil
}

// Generate produces the narrative answer for a query given assembled
// retrieval context.
func (c *Client) Generate(ctx context.Context, query, contextText string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	systemPrompt := "You are a housing market analyst. Answer the user's question using only " +
		"the listing context provided. Cite concrete listings where relevant, and say so " +
		"plainly when the context does not support an answer."

	userPrompt := fmt.Sprintf("Question: %s\n\nListing context:\n%s", query, contextText)

	var narrative string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model: c.model,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
					{Role: openai.ChatMessageRoleUser, Content: userPrompt},
				},
				Temperature: c.temperature,
				MaxTokens:   c.maxTokens,
			})
			if err != nil {
				return classifyGenerationError(err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("%w: empty completion response", ErrGenerationService)
			}
			choice := resp.Choices[0]
			if choice.FinishReason == openai.FinishReasonContentFilter {
				return retry.Permanent(fmt.Errorf("%w: completion filtered", ErrContentPolicy))
			}
			narrative = choice.Message.Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	return narrative, nil
}

func classifyEmbeddingError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 413 {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrEmbeddingRejected, err))
		}
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingService, err)
}

func classifyGenerationError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 400 && apiErr.Code == "content_policy_violation":
			return retry.Permanent(fmt.Errorf("%w: %v", ErrContentPolicy, err))
		case apiErr.HTTPStatusCode == 400:
			return retry.Permanent(fmt.Errorf("%w: %v", ErrGenerationService, err))
		}
	}
	return fmt.Errorf("%w: %v", ErrGenerationService, err)
}
