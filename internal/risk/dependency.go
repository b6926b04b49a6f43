package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/taskrisk/internal/reasoning"
)

const dependencySystem = `You map dependencies between tasks of one project.
For the current task and the listed sibling tasks, decide which siblings cannot finish until the current task does.
Reply with a single JSON object and nothing else:
{"dependent_tasks": [{"task_id": "<id>", "dependency_type": "<finish_to_start|input|review|other>", "strength": "weak"|"moderate"|"strong"|"critical", "reasoning": "<short>"}],
 "dependency_score": <0-10>, "critical_count": <integer>, "reasoning": "<one sentence>"}
dependency_score: 0 means nothing waits on the current task, 10 means most of the project is blocked by it.`

var dependencyValidator = reasoning.MustValidator("dependency", `{
	"type": "object",
	"required": ["dependent_tasks", "dependency_score", "critical_count"],
	"properties": {
		"dependent_tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["task_id"],
				"properties": {
					"task_id": {"type": "string"},
					"dependency_type": {"type": "string"},
					"strength": {"enum": ["weak", "moderate", "strong", "critical"]},
					"reasoning": {"type": "string"}
				}
			}
		},
		"dependency_score": {"type": "number", "minimum": 0, "maximum": 10},
		"critical_count": {"type": "integer", "minimum": 0},
		"reasoning": {"type": "string"}
	}
}`)

type dependencyReply struct {
	Dependents []struct {
		TaskID    string `json:"task_id"`
		Type      string `json:"dependency_type"`
		Strength  string `json:"strength"`
		Reasoning string `json:"reasoning"`
	} `json:"dependent_tasks"`
	Score         float64 `json:"dependency_score"`
	CriticalCount int     `json:"critical_count"`
	Reasoning     string  `json:"reasoning"`
}

// DependencyImpactAnalyzer estimates how much of the project waits on the
// task. Score is 0..10.
type DependencyImpactAnalyzer struct {
	client *reasoning.Client
	logger *slog.Logger
}

func NewDependencyImpactAnalyzer(client *reasoning.Client, logger *slog.Logger) *DependencyImpactAnalyzer {
	return &DependencyImpactAnalyzer{client: client, logger: loggerOrDefault(logger)}
}

func (a *DependencyImpactAnalyzer) Analyze(ctx context.Context, task *TaskSnapshot) Dependency {
	siblings := make([]Sibling, 0, len(task.Siblings))
	for _, s := range task.Siblings {
		if s.ID != task.ID {
			siblings = append(siblings, s)
		}
	}
	if len(siblings) == 0 {
		return Dependency{
			Level:      LevelLow,
			Reasoning:  "No other tasks in the project.",
			Provenance: ProvenanceRule,
		}
	}

	var reply dependencyReply
	prov, failure := consult(ctx, a.client, a.logger, ComponentDependency, reasoning.Request{
		System: dependencySystem,
		Prompt: dependencyPrompt(task, siblings),
	}, dependencyValidator, &reply)

	var res Dependency
	if prov == ProvenanceService {
		res = serviceDependency(reply, siblings)
	} else {
		res = fallbackDependency(task, siblings)
	}
	res.Provenance = prov
	res.Failure = failure
	res.Level = levelFor(dependencyThresholds, res.Score, LevelLow)
	return res
}

// serviceDependency keeps only dependents that are real siblings.
func serviceDependency(reply dependencyReply, siblings []Sibling) Dependency {
	byID := make(map[string]Sibling, len(siblings))
	for _, s := range siblings {
		byID[s.ID] = s
	}
	res := Dependency{
		Score:     round2(clamp(reply.Score, 0, 10)),
		Reasoning: reply.Reasoning,
	}
	seen := make(map[string]bool)
	critical := 0
	for _, d := range reply.Dependents {
		s, ok := byID[d.TaskID]
		if !ok || seen[d.TaskID] {
			continue
		}
		seen[d.TaskID] = true
		if d.Strength == "critical" {
			critical++
		}
		res.Dependents = append(res.Dependents, Dependent{
			TaskID:    s.ID,
			Name:      s.Name,
			Type:      d.Type,
			Strength:  d.Strength,
			Reasoning: d.Reasoning,
		})
	}
	res.CriticalCount = max(critical, min(reply.CriticalCount, len(res.Dependents)))
	return res
}

// fallbackDependency applies the sequence rules to every open sibling.
func fallbackDependency(task *TaskSnapshot, siblings []Sibling) Dependency {
	current := normalize(task.Name, task.Description)
	var res Dependency
	total := 0.0
	var reasons []string

	for _, s := range siblings {
		if s.Completed() {
			continue
		}
		var dep *Dependent
		contribution := 0.0
		if s.DependsOnTask {
			contribution = explicitDependentContribution
			dep = &Dependent{TaskID: s.ID, Name: s.Name, Type: "explicit", Reasoning: "recorded as depending on this task"}
		} else if rule, ok := matchDependencyRule(current, normalize(s.Name, s.Description)); ok {
			contribution = min(rule.Contribution, maxRuleContribution)
			dep = &Dependent{
				TaskID:    s.ID,
				Name:      s.Name,
				Type:      rule.Name,
				Reasoning: fmt.Sprintf("%s usually follows this task (%s)", s.Name, strings.ReplaceAll(rule.Name, "_", " ")),
			}
		}
		if dep == nil {
			continue
		}
		if contribution >= criticalContribution {
			dep.Strength = "critical"
			res.CriticalCount++
		} else {
			dep.Strength = "moderate"
		}
		total += contribution
		res.Dependents = append(res.Dependents, *dep)
		reasons = append(reasons, dep.Reasoning)
	}

	res.Score = round2(clamp(total, 0, 10))
	if len(reasons) == 0 {
		res.Reasoning = "No open sibling task matches a known follow-on pattern."
	} else {
		res.Reasoning = strings.Join(reasons, "; ")
	}
	return res
}

func matchDependencyRule(current, sibling normalizedText) (dependencyRule, bool) {
	for _, rule := range dependencyRules {
		if _, up := current.hasAny(rule.Upstream); !up {
			continue
		}
		if _, down := sibling.hasAny(rule.Downstream); down {
			return rule, true
		}
	}
	return dependencyRule{}, false
}

func dependencyPrompt(task *TaskSnapshot, siblings []Sibling) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task (%s): %s\n", task.ID, task.Name)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", task.Description)
	}
	sb.WriteString("\nSibling tasks:\n")
	for _, s := range siblings {
		fmt.Fprintf(&sb, "- id=%s name=%q status=%s progress=%.0f%%", s.ID, s.Name, s.Status, s.Progress)
		if s.Description != "" {
			fmt.Fprintf(&sb, " description=%q", s.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
