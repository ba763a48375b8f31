package impact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/sony/gobreaker"

	"github.com/wavemux/wavemux/pkg/models"
)

// ClaudeConfig configures the Claude-backed impact oracle.
type ClaudeConfig struct {
	// Model is the Claude model to use. Defaults to Sonnet.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes requests through AWS Bedrock instead.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string
}

// ClaudeEstimator asks Claude to predict the file impacts of a task. The
// model is a fallible oracle: calls run through a circuit breaker, and any
// failure surfaces as ErrOracleUnavailable so the caller degrades to
// sequential scheduling instead of assuming no conflicts.
type ClaudeEstimator struct {
	client  anthropic.Client
	model   anthropic.Model
	breaker *gobreaker.CircuitBreaker
}

// NewClaudeEstimator creates a Claude-backed estimator.
func NewClaudeEstimator(cfg ClaudeConfig) (*ClaudeEstimator, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "impact-oracle",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &ClaudeEstimator{
		client:  anthropic.NewClient(opts...),
		model:   model,
		breaker: breaker,
	}, nil
}

const estimateSystemPrompt = `You predict which files a software task will touch.
Respond with a JSON array only, no prose. Each element:
{"path": "<repo-relative path>", "operation": "CREATE|UPDATE|DELETE|READ", "confidence": <0..1>}`

// Estimate asks the model for impact predictions.
func (e *ClaudeEstimator) Estimate(ctx context.Context, task *models.Task) ([]models.FileImpact, error) {
	prompt := fmt.Sprintf("Task title: %s\n\nTask description:\n%s", task.Title, task.Description)

	result, err := e.breaker.Execute(func() (any, error) {
		return e.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     e.model,
			MaxTokens: 2048,
			System: []anthropic.TextBlockParam{
				{Text: estimateSystemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	resp := result.(*anthropic.Message)
	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	impacts, err := parseImpactJSON(task.ID, text.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return impacts, nil
}

// parseImpactJSON decodes the oracle's JSON array, tolerating surrounding
// prose or a markdown fence.
func parseImpactJSON(taskID, text string) ([]models.FileImpact, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in oracle response")
	}

	var raw []struct {
		Path       string  `json:"path"`
		Operation  string  `json:"operation"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}

	now := time.Now()
	var impacts []models.FileImpact
	for _, r := range raw {
		op := models.FileOperation(strings.ToUpper(r.Operation))
		if r.Path == "" || !op.Valid() {
			continue
		}
		confidence := r.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		impacts = append(impacts, models.FileImpact{
			TaskID:     taskID,
			Path:       r.Path,
			Operation:  op,
			Confidence: confidence,
			Source:     models.ImpactSourceOracle,
			CreatedAt:  now,
		})
	}
	return impacts, nil
}
