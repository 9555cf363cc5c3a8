// Package llm implements the language-model ports on the Anthropic API:
// categorization, synthesis, and image description.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
)

const defaultMaxTokens = 4096

// Client implements ports.LLM and ports.Vision on the Anthropic Messages API.
type Client struct {
	api       anthropic.Client
	model     anthropic.Model
	maxTokens int64
	sem       chan struct{}
	logger    *slog.Logger
}

// NewClient creates an Anthropic-backed client. The API key is read from the
// environment variable named in the config.
func NewClient(cfg *config.LLMConfig, logger *slog.Logger) (*Client, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", keyEnv)
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	concurrency := cfg.MaxConcurrentRequests
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Client{
		api:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: maxTokens,
		sem:       make(chan struct{}, concurrency),
		logger:    logger.With("component", "llm"),
	}, nil
}

// Categorize asks the model to place one item in the category hierarchy.
func (c *Client) Categorize(ctx context.Context, fullText string, imageDescriptions []string) (*ports.Categorization, error) {
	text, err := c.complete(ctx, "llm.categorize", categorizeSystemPrompt,
		anthropic.NewTextBlock(categorizeUserPrompt(fullText, imageDescriptions)))
	if err != nil {
		return nil, err
	}
	return parseCategorization(text)
}

// Synthesize produces a cross-item synthesis document for one category pair.
func (c *Client) Synthesize(ctx context.Context, items []*models.Item) (string, error) {
	if len(items) == 0 {
		return "", ports.Validation("llm.synthesize", errors.New("no items to synthesize"))
	}
	text, err := c.complete(ctx, "llm.synthesize", synthesisSystemPrompt,
		anthropic.NewTextBlock(synthesisUserPrompt(items)))
	if err != nil {
		return "", err
	}
	return text, nil
}

// DescribeImage sends one local image to the model and returns its description.
func (c *Client) DescribeImage(ctx context.Context, path string) (string, error) {
	mediaType, ok := imageMediaTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", ports.Validation("llm.describe_image",
			fmt.Errorf("unsupported image type %q", filepath.Ext(path)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ports.Transient("llm.describe_image", err)
	}

	return c.complete(ctx, "llm.describe_image", "",
		anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)),
		anthropic.NewTextBlock(describeImagePrompt))
}

// complete sends one user message and returns the concatenated text blocks.
func (c *Client) complete(ctx context.Context, op, system string, blocks ...anthropic.ContentBlockParamUnion) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", ports.Transient(op, err)
	}
	defer c.release()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", classify(op, err)
	}
	c.logger.Debug("LLM call complete",
		"op", op,
		"duration", time.Since(start),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	if text.Len() == 0 {
		return "", ports.Validation(op, errors.New("empty model response"))
	}
	return text.String(), nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// classify maps SDK failures onto the port error taxonomy.
func classify(op string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return ports.RateLimited(op, err, retryAfterHeader(apierr))
		case apierr.StatusCode == 408 || apierr.StatusCode == 409 || apierr.StatusCode >= 500:
			return ports.Transient(op, err)
		default:
			return ports.Permanent(op, err)
		}
	}
	// Connection resets, DNS failures, and deadline hits are all retryable.
	return ports.Transient(op, err)
}

func retryAfterHeader(apierr *anthropic.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	seconds, err := strconv.Atoi(apierr.Response.Header.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

var imageMediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}
