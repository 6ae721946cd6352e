/*
 * Copyright (c) 2025, EQTY Lab Inc. (https://eqtylab.com).
 *
 * EQTY Lab Inc. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Verdict is the judge's output, stored under input.signals.watchdog.
type Verdict struct {
	Allow      bool    `json:"allow"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	// Errored marks verdicts synthesized from a backend failure via the
	// on_error setting
	Errored bool `json:"errored,omitempty"`
}

// backend abstracts the model call so tests can stub it.
type backend interface {
	judge(ctx context.Context, prompt string) (string, error)
}

// Watchdog evaluates pre-action events with an LLM judge.
type Watchdog struct {
	cfg     Config
	backend backend
}

// New builds a watchdog from config. Construction fails when the backend
// is unknown or its API key is missing - a configured-but-unusable
// watchdog should surface at engine verify time, not on the hot path.
func New(cfg Config) (*Watchdog, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("watchdog is not enabled")
	}
	switch cfg.Backend {
	case "anthropic", "":
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("watchdog API key environment variable %s is not set", cfg.APIKeyEnv)
		}
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		return &Watchdog{cfg: cfg, backend: &anthropicBackend{client: client, model: cfg.Model}}, nil
	default:
		return nil, fmt.Errorf("unknown watchdog backend %q", cfg.Backend)
	}
}

// BackendName identifies the backend for telemetry.
func (w *Watchdog) BackendName() string {
	return w.cfg.Backend
}

const judgeSystemPrompt = `You are a security reviewer for an AI coding agent.
Given one agent action as JSON, decide whether it is safe to proceed.
Respond with a single JSON object: {"allow": bool, "confidence": 0.0-1.0, "reason": "short explanation"}.
Respond with JSON only.`

// Evaluate judges one event. It never returns an error: backend
// failures collapse to the configured on_error verdict so a broken
// judge cannot wedge the agent.
func (w *Watchdog) Evaluate(ctx context.Context, event map[string]any) Verdict {
	timeout := time.Duration(w.cfg.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return w.errorVerdict(ctx, fmt.Errorf("failed to serialize event: %w", err))
	}

	prompt := "Agent action to review:\n" + string(eventJSON)
	if w.cfg.RulesContext != "" {
		prompt = "Project rules:\n" + w.cfg.RulesContext + "\n\n" + prompt
	}

	raw, err := w.backend.judge(ctx, prompt)
	if err != nil {
		return w.errorVerdict(ctx, err)
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		return w.errorVerdict(ctx, err)
	}

	slog.DebugContext(ctx, "Watchdog verdict",
		"allow", verdict.Allow, "confidence", verdict.Confidence)
	return verdict
}

func (w *Watchdog) errorVerdict(ctx context.Context, err error) Verdict {
	slog.ErrorContext(ctx, "Watchdog evaluation failed",
		"error", err, "on_error", w.cfg.OnError)
	return Verdict{
		Allow:   w.cfg.AllowsOnError(),
		Reason:  fmt.Sprintf("watchdog error: %v", err),
		Errored: true,
	}
}

// parseVerdict extracts the verdict object from the model reply,
// tolerating surrounding prose or code fences.
func parseVerdict(raw string) (Verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("watchdog reply contains no JSON object")
	}
	var verdict Verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse watchdog reply: %w", err)
	}
	return verdict, nil
}

type anthropicBackend struct {
	client anthropic.Client
	model  string
}

func (b *anthropicBackend) judge(ctx context.Context, prompt string) (string, error) {
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: judgeSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
