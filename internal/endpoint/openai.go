package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// classifierSystemPrompt constrains the model to a one-token verdict.
const classifierSystemPrompt = "You judge whether a fragment of transcribed speech is a complete utterance " +
	"that the speaker has finished, or a fragment that trails off mid-thought. " +
	"Answer with exactly one word: COMPLETE or INCOMPLETE."

// OpenAIClassifier implements [Classifier] with a single small chat
// completion per short transcript.
type OpenAIClassifier struct {
	client oai.Client
	model  string
}

// NewOpenAIClassifier creates a classifier. model defaults to gpt-4o-mini.
func NewOpenAIClassifier(apiKey, model string) (*OpenAIClassifier, error) {
	if apiKey == "" {
		return nil, errors.New("endpoint: classifier API key must not be empty")
	}
	if model == "" {
		model = string(oai.ChatModelGPT4oMini)
	}
	return &OpenAIClassifier{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Complete implements [Classifier].
func (c *OpenAIClassifier) Complete(ctx context.Context, transcript string) (bool, error) {
	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(classifierSystemPrompt),
			oai.UserMessage(transcript),
		},
		MaxTokens: oai.Int(3),
	})
	if err != nil {
		return false, fmt.Errorf("endpoint: classifier request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, errors.New("endpoint: classifier returned no choices")
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	return strings.HasPrefix(answer, "COMPLETE"), nil
}
