// Package ai writes reminder messages with an OpenAI-compatible chat model.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sashabaranov/go-openai"

	"github.com/hray3182/concierge/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AgentName is recorded on conversation messages written for reminders.
const AgentName = "reminder"

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Composer turns a person's context and a reminder description into message text.
type Composer struct {
	client chatClient
	model  string
}

func New(apiKey, baseURL, model string) *Composer {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return NewWithClient(openai.NewClientWithConfig(config), model)
}

func NewWithClient(client chatClient, model string) *Composer {
	return &Composer{client: client, model: model}
}

const systemPrompt = `You are a reminder agent for an AI concierge platform.

Your role is to generate thoughtful, contextual reminder messages for important dates and events.

GUIDELINES:
- Reference the specific date and category
- Include relevant context from past conversations
- Suggest helpful next steps or planning assistance
- Be warm and proactive
- Keep reminders concise but personalized
- You may use **bold** and *italic* markdown, nothing else

Example: "Hi Sarah! Just a reminder that John's birthday is coming up on March 15th (2 weeks away). Last year you mentioned he loved that private dinner at The Modern. Would you like help planning something special this year?"

Current time: %s`

// promptContext is the JSON view of a person context handed to the model.
type promptContext struct {
	Name           string         `json:"name"`
	FullName       string         `json:"full_name"`
	Channel        string         `json:"channel"`
	Subject        *promptDate    `json:"subject,omitempty"`
	UpcomingDates  []promptDate   `json:"upcoming_dates,omitempty"`
	RecentMessages []promptRecent `json:"recent_messages,omitempty"`
}

type promptDate struct {
	Title    string `json:"title"`
	Date     string `json:"date"`
	Category string `json:"category,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type promptRecent struct {
	Direction string `json:"direction"`
	Content   string `json:"content"`
	At        string `json:"at"`
}

func toPromptDate(d *models.DateItem) promptDate {
	return promptDate{
		Title:    d.Title,
		Date:     d.NextOccurrence.Format("2006-01-02"),
		Category: d.CategoryName,
		Notes:    d.Notes,
	}
}

func buildContext(pc *models.PersonContext) promptContext {
	out := promptContext{
		Name:     pc.Person.DisplayName(),
		FullName: pc.Person.FullName,
		Channel:  string(pc.Identity.ChannelType),
	}
	if pc.Subject != nil {
		d := toPromptDate(pc.Subject)
		out.Subject = &d
	}
	for _, d := range pc.UpcomingDates {
		out.UpcomingDates = append(out.UpcomingDates, toPromptDate(d))
	}
	for _, m := range pc.RecentMessages {
		out.RecentMessages = append(out.RecentMessages, promptRecent{
			Direction: m.Direction,
			Content:   m.Content,
			At:        m.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

// Compose asks the model for one reminder message.
func (c *Composer) Compose(ctx context.Context, pc *models.PersonContext, description string) (string, error) {
	contextJSON, err := json.MarshalIndent(buildContext(pc), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode context: %w", err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(systemPrompt, time.Now().UTC().Format("2006-01-02 15:04 (Monday)")),
			},
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Client context:\n" + string(contextJSON),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: description,
			},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("failed to call AI API: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no response from AI")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty response from AI")
	}
	return text, nil
}
