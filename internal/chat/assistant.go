package chat

// Package chat answers questions about a stored analysis with a language
// model. It gives general information only and always refers the user to a
// physician.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/store"
)

// HistoryLimit is how many earlier exchanges are replayed to the model.
const HistoryLimit = 10

const systemPrompt = `You are a medical information assistant for semen analysis results.
You explain the measured values in plain language. You never give a diagnosis
and you always recommend consulting a physician or fertility specialist for an
interpretation of the results.

WHO reference values:
- Concentration: more than 15 million/ml
- Volume: 1.5 to 5 ml
- pH: 7.2 to 8.0
- Vitality: more than 58% live
- Progressive motility: more than 32%

Answer in the language of the question. Keep answers short and factual.`

// History is the part of the store the assistant needs.
type History interface {
	GetAnalysis(id string) (store.AnalysisRecord, error)
	ChatHistory(analysisID string, limit int) ([]store.ChatMessage, error)
	AddChatMessage(msg store.ChatMessage) (int64, error)
}

// Assistant answers questions about analyses.
type Assistant struct {
	client      *openai.Client
	history     History
	provider    auth.Provider
	model       string
	maxTokens   int
	temperature float32
	logger      *slog.Logger
}

// NewAssistant creates an Assistant from the chat section of the config. An
// empty BaseURL talks to the OpenAI API.
func NewAssistant(cfg config.ChatConfig, history History, provider auth.Provider, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	var client *openai.Client
	if cfg.BaseURL != "" {
		c := openai.DefaultConfig(cfg.APIKey)
		c.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(c)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}

	model := cfg.Model
	if model == "" {
		model = config.DefaultChatModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultChatMaxTokens
	}

	return &Assistant{
		client:      client,
		history:     history,
		provider:    provider,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

// Ask sends question about the analysis to the model and stores the exchange.
func (a *Assistant) Ask(ctx context.Context, analysisID, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("question is empty")
	}
	user, ok := a.provider.CurrentUser()
	if !ok {
		return "", failure.New(failure.KindNotAuthenticated, "sign in (mscope pair) before using the assistant")
	}

	rec, err := a.history.GetAnalysis(analysisID)
	if err != nil {
		return "", fmt.Errorf("failed to load analysis %s: %w", analysisID, err)
	}
	if rec.UserID != "" && rec.UserID != user.ID {
		return "", fmt.Errorf("analysis %s: %w", analysisID, store.ErrNotFound)
	}

	earlier, err := a.history.ChatHistory(analysisID, HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("failed to load chat history: %w", err)
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Messages:    buildMessages(rec, earlier, question),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", failure.Wrap(failure.KindCanceled, ctx.Err(), "question canceled")
		}
		return "", failure.Wrap(failure.KindRemoteError, err, "assistant request failed")
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", failure.New(failure.KindRemoteError, "assistant returned no answer")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)

	if _, err := a.history.AddChatMessage(store.ChatMessage{
		AnalysisID: analysisID,
		UserID:     user.ID,
		Question:   question,
		Answer:     answer,
	}); err != nil {
		a.logger.Error("Failed to save chat message", "analysis_id", analysisID, "error", err)
	}
	return answer, nil
}

func buildMessages(rec store.AnalysisRecord, earlier []store.ChatMessage, question string) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleSystem, Content: ResultContext(rec)},
	}
	for _, m := range earlier {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Question},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Answer},
		)
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})
}

// ResultContext renders the stored values of an analysis for the model.
func ResultContext(rec store.AnalysisRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis %s of %s (%s), finished %s.\n",
		rec.ID, rec.SourceName, rec.MediaKind, rec.FinishedAt.Format("2006-01-02 15:04"))

	r := rec.Result
	if r == nil {
		fmt.Fprintf(&b, "The analysis did not produce results: %s\n", rec.Error)
		return b.String()
	}

	fmt.Fprintf(&b, "Sperm count: %g\n", r.SpermCount)
	fmt.Fprintf(&b, "Concentration: %g million/ml\n", r.Concentration)
	fmt.Fprintf(&b, "Average speed: %g um/s\n", r.SpeedAvg)
	fmt.Fprintf(&b, "Vitality: %g%%\n", r.Vitality)
	fmt.Fprintf(&b, "Volume: %g ml\n", r.Volume)
	fmt.Fprintf(&b, "pH: %g\n", r.PH)
	writeMap(&b, "Motility", r.Motility)
	writeMap(&b, "Morphology", r.Morphology)
	return b.String()
}

func writeMap(b *strings.Builder, title string, m map[string]interface{}) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "%s:", title)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, m[k])
	}
	b.WriteString("\n")
}
