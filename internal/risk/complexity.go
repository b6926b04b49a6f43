package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskrisk/internal/reasoning"
)

const complexitySystem = `You assess the complexity of project tasks.
Reply with a single JSON object and nothing else:
{"technical_complexity": <0-100>, "scope_complexity": <0-100>, "environment": "indoor"|"outdoor"|"hybrid", "reasoning": "<one sentence>"}
technical_complexity rates the skill and tooling the work needs. scope_complexity rates how much work and coordination it covers.
environment is where the work is physically carried out.`

var complexityValidator = reasoning.MustValidator("complexity", `{
	"type": "object",
	"required": ["technical_complexity", "scope_complexity", "environment"],
	"properties": {
		"technical_complexity": {"type": "number", "minimum": 0, "maximum": 100},
		"scope_complexity": {"type": "number", "minimum": 0, "maximum": 100},
		"environment": {"enum": ["indoor", "outdoor", "hybrid"]},
		"reasoning": {"type": "string"}
	}
}`)

type complexityReply struct {
	Technical   float64     `json:"technical_complexity"`
	Scope       float64     `json:"scope_complexity"`
	Environment Environment `json:"environment"`
	Reasoning   string      `json:"reasoning"`
}

// Defaults used when the text analysis is unavailable.
const (
	defaultTechnicalComplexity = 50
	defaultScopeComplexity     = 50
)

var complexityWeights = map[Environment]ComplexityWeights{
	EnvironmentIndoor:  {Technical: 0.25, Scope: 0.25, TimePressure: 0.30, Environmental: 0, Dependencies: 0.20},
	EnvironmentOutdoor: {Technical: 0.30, Scope: 0.15, TimePressure: 0.20, Environmental: 0.25, Dependencies: 0.10},
	EnvironmentHybrid:  {Technical: 0.30, Scope: 0.20, TimePressure: 0.20, Environmental: 0.15, Dependencies: 0.15},
}

// ComplexityAnalyzer blends text-derived difficulty with deadline pressure,
// working conditions and upstream dependencies into a 0..100 score.
type ComplexityAnalyzer struct {
	client *reasoning.Client
	logger *slog.Logger
}

func NewComplexityAnalyzer(client *reasoning.Client, logger *slog.Logger) *ComplexityAnalyzer {
	return &ComplexityAnalyzer{client: client, logger: loggerOrDefault(logger)}
}

func (a *ComplexityAnalyzer) Analyze(ctx context.Context, task *TaskSnapshot, now time.Time) Complexity {
	var reply complexityReply
	prov, failure := consult(ctx, a.client, a.logger, ComponentComplexity, reasoning.Request{
		System: complexitySystem,
		Prompt: complexityPrompt(task),
	}, complexityValidator, &reply)

	res := Complexity{Provenance: prov, Failure: failure}
	if prov == ProvenanceService {
		res.Technical = reply.Technical
		res.Scope = reply.Scope
		res.Environment = reply.Environment
		res.Reasoning = reply.Reasoning
	} else {
		res.Technical = defaultTechnicalComplexity
		res.Scope = defaultScopeComplexity
		res.Environment = classifyEnvironment(normalize(task.Name, task.Description))
		res.Reasoning = fmt.Sprintf("text analysis unavailable (%s); default difficulty with keyword environment classification", failure)
	}

	res.TimePressure = timePressure(task.Deadline, now)
	res.Environmental = environmentalComplexity(res.Environment, task.WeatherImpact)
	res.DependenciesImpact = dependenciesImpact(len(task.DependencyIDs))
	res.Weights = complexityWeights[res.Environment]

	w := res.Weights
	score := res.Technical*w.Technical +
		res.Scope*w.Scope +
		res.TimePressure*w.TimePressure +
		res.Environmental*w.Environmental +
		res.DependenciesImpact*w.Dependencies
	res.Score = round2(clamp(score, 0, 100))
	return res
}

func complexityPrompt(task *TaskSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", task.Description)
	}
	if task.ProjectName != "" {
		fmt.Fprintf(&sb, "Project: %s\n", task.ProjectName)
	}
	fmt.Fprintf(&sb, "Allocated hours: %.1f\n", task.AllocatedHours)
	return sb.String()
}

// timePressure tiers the days left before the deadline.
func timePressure(deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return 20
	}
	days := deadline.Sub(now).Hours() / 24
	switch {
	case days < 0:
		return 100
	case days < 1:
		return 90
	case days <= 3:
		return 70
	case days <= 7:
		return 50
	case days <= 14:
		return 30
	default:
		return 10
	}
}

func environmentalComplexity(env Environment, weatherImpact float64) float64 {
	weather := clamp(weatherImpact, 0, 100)
	switch env {
	case EnvironmentOutdoor:
		return weather
	case EnvironmentHybrid:
		return weather * 0.5
	default:
		return 0
	}
}

func dependenciesImpact(count int) float64 {
	switch {
	case count <= 0:
		return 0
	case count <= 2:
		return 30
	case count <= 5:
		return 60
	default:
		return 90
	}
}
