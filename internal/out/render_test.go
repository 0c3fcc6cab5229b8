package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/ggonzalez94/payagent/internal/config"
	"github.com/ggonzalez94/payagent/internal/model"
)

func init() {
	color.NoColor = true
}

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data: []model.RouteOption{
			{ID: "lifi-0", Path: "Base → Arbitrum", Fee: "$0.42", Provider: "LI.FI"},
		},
		Meta: model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"id", "fee"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "lifi-0" || out[0]["fee"] != "$0.42" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["provider"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderSelectNestedField(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data:    model.ChatResponse{Content: "hi", Plan: &model.ConsolidationPlan{TotalSavings: "$3.10"}},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"plan.totalSavings"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out["plan.totalSavings"] != "$3.10" || len(out) != 1 {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Success:  true,
		Data:     []map[string]any{{"name": "x", "score": 42}},
		Warnings: []string{"LI.FI timed out"},
		Meta:     model.EnvelopeMeta{Timestamp: time.Now()},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "plain"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "name=x score=42") {
		t.Fatalf("unexpected plain output: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "warning: LI.FI timed out") {
		t.Fatalf("expected warning line: %s", buf.String())
	}
}

func TestRenderPlainError(t *testing.T) {
	env := model.Envelope{
		Success: false,
		Data:    []any{},
		Error:   &model.ErrorBody{Code: 2, Type: "usage_error", Message: "Message is required"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "plain"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "error [usage_error]: Message is required" {
		t.Fatalf("unexpected error output: %q", buf.String())
	}
}
