// Package nlu classifies utterances into dialogue acts with an OpenAI chat
// model.
package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"voxhub/internal/config"
	"voxhub/internal/proxy"
	"voxhub/pkg/hypothesis"
	"voxhub/pkg/util"
)

const systemPrompt = `
You are the language understanding unit of a telephone dialogue system.
Your ONLY job is to convert the caller's utterance into dialogue act hypotheses.

GENERAL RULES:
1. Do NOT converse.
2. Do NOT answer the question.
3. Output ONLY JSON. No markdown.

INPUT:
One recognition hypothesis per line: "<probability> <text>".

OUTPUT FORMAT:
{
  "hypotheses": [
    {"act": "<dialogue act>", "prob": <number>}
  ]
}

DIALOGUE ACTS:
A dialogue act is one or more items joined with "&".
An item is type(), type(slot) or type(slot="value").
Types: hello, bye, affirm, negate, thankyou, repeat, help, inform, request, confirm, deny, silence.

RULES:
- Probabilities must not add up to more than 1.
- Leave out acts below 0.05.
- If nothing is understood, output an empty list.
`

type Hypothesis struct {
	Act  string  `json:"act"`
	Prob float64 `json:"prob"`
}

type Result struct {
	Hypotheses []Hypothesis `json:"hypotheses"`
}

// Classifier sends the utterance N-best list to a chat completion model.
type Classifier struct {
	client openai.Client
	model  string
}

func New(cfg *config.Config) (*Classifier, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.NLU.APIKey)}
	if cfg.NLU.Proxy != "" {
		httpClient, err := proxy.NewSocksClient(cfg.NLU.Proxy, cfg.SLU.Timeout)
		if err != nil {
			return nil, fmt.Errorf("socks proxy %s: %w", cfg.NLU.Proxy, err)
		}
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Classifier{
		client: openai.NewClient(opts...),
		model:  cfg.NLU.Model,
	}, nil
}

func (c *Classifier) Name() string { return "openai" }

func (c *Classifier) Parse(ctx context.Context, utts *hypothesis.NBList[hypothesis.Utterance]) (*hypothesis.NBList[hypothesis.DialogueAct], error) {
	input := prompt(utts)
	out := hypothesis.NewDialogueActNBList()
	if input == "" {
		return out, nil
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(input),
		},
		Model: openai.ChatModel(c.model),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return nil, fmt.Errorf("empty message content")
	}
	log.Debug("Classified", "data", content)

	res, err := decode(content)
	if err != nil {
		return nil, err
	}
	for _, h := range res.Hypotheses {
		da, err := hypothesis.ParseDialogueAct(h.Act)
		if err != nil {
			log.Warn("Skipping malformed dialogue act", "act", h.Act, "err", err)
			continue
		}
		out.Add(util.Clamp(h.Prob, 0, 1), da)
	}
	return out, nil
}

// prompt lists the non catch-all utterances, best first.
func prompt(utts *hypothesis.NBList[hypothesis.Utterance]) string {
	var b strings.Builder
	for _, it := range utts.Items() {
		if it.Fact == utts.Other() || it.Fact.IsEmpty() {
			continue
		}
		fmt.Fprintf(&b, "%.3f %s\n", it.Prob, it.Fact)
	}
	return b.String()
}

// decode tolerates a fenced code block around the JSON.
func decode(content string) (Result, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	var out Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &out); err != nil {
		return Result{}, fmt.Errorf("unmarshal NLU result: %w (raw: %s)", err, content)
	}
	return out, nil
}
