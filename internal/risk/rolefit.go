package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/taskrisk/internal/reasoning"
)

const roleFitSystem = `You judge whether a person is the right owner for a task.
Reply with a single JSON object and nothing else:
{"role_match_score": <0-10>, "workload_score": <0-10>, "reasoning": "<two sentences at most>"}
role_match_score: 0 means a perfect fit for the work, 10 means no relevant background.
workload_score: 0 means free capacity, 10 means badly overloaded.`

var roleFitValidator = reasoning.MustValidator("role_fit", `{
	"type": "object",
	"required": ["role_match_score", "workload_score"],
	"properties": {
		"role_match_score": {"type": "number", "minimum": 0, "maximum": 10},
		"workload_score": {"type": "number", "minimum": 0, "maximum": 10},
		"reasoning": {"type": "string"}
	}
}`)

type roleFitReply struct {
	RoleMatch float64 `json:"role_match_score"`
	Workload  float64 `json:"workload_score"`
	Reasoning string  `json:"reasoning"`
}

// RoleFitAnalyzer scores how well the assignee fits the task and how
// loaded they are. Total is 0..20, lower is better.
type RoleFitAnalyzer struct {
	client *reasoning.Client
	logger *slog.Logger
}

func NewRoleFitAnalyzer(client *reasoning.Client, logger *slog.Logger) *RoleFitAnalyzer {
	return &RoleFitAnalyzer{client: client, logger: loggerOrDefault(logger)}
}

func (a *RoleFitAnalyzer) Analyze(ctx context.Context, task *TaskSnapshot) RoleFit {
	if task.Assignee == nil {
		return RoleFit{
			RoleMatch:  10,
			Workload:   10,
			Total:      20,
			Level:      LevelExtreme,
			Reasoning:  "Task has no assignee; nobody is accountable for delivering it.",
			Provenance: ProvenanceRule,
		}
	}

	var reply roleFitReply
	prov, failure := consult(ctx, a.client, a.logger, ComponentRoleFit, reasoning.Request{
		System: roleFitSystem,
		Prompt: roleFitPrompt(task),
	}, roleFitValidator, &reply)

	var res RoleFit
	if prov == ProvenanceService {
		res = RoleFit{RoleMatch: reply.RoleMatch, Workload: reply.Workload, Reasoning: reply.Reasoning}
	} else {
		res = fallbackRoleFit(task)
	}
	res.Provenance = prov
	res.Failure = failure
	res.Total = round2(res.RoleMatch + res.Workload)
	res.Level = levelFor(roleFitThresholds, res.Total, LevelMinimal)
	return res
}

// fallbackRoleFit classifies the task and checks whether the assignee's
// profile speaks the same vocabulary.
func fallbackRoleFit(task *TaskSnapshot) RoleFit {
	a := task.Assignee
	workload := workloadTier(a.ActiveTasks)

	rule, ok := classify(roleRules, normalize(task.Name, task.Description))
	if !ok {
		return RoleFit{
			RoleMatch: unknownCategoryScore,
			Workload:  workload,
			Reasoning: fmt.Sprintf("Task text fits no known domain; %s has %d other active tasks.", a.Name, a.ActiveTasks),
		}
	}

	profile := normalize(append([]string{a.JobTitle, a.Department}, a.Skills...)...)
	if kw, hit := profile.hasAny(rule.Keywords); hit {
		return RoleFit{
			RoleMatch: matchedRoleScore,
			Workload:  workload,
			Category:  rule.Category,
			Reasoning: fmt.Sprintf("%s task; %s's profile matches (%q) with %d other active tasks.", rule.Category, a.Name, kw, a.ActiveTasks),
		}
	}
	return RoleFit{
		RoleMatch: rule.Score,
		Workload:  workload,
		Category:  rule.Category,
		Reasoning: fmt.Sprintf("%s task; %s (%s) shows no %s background.", rule.Category, a.Name, a.JobTitle, strings.ReplaceAll(rule.Category, "_", " ")),
	}
}

func roleFitPrompt(task *TaskSnapshot) string {
	a := task.Assignee
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&sb, "Assignee: %s\nJob title: %s\n", a.Name, a.JobTitle)
	if a.Department != "" {
		fmt.Fprintf(&sb, "Department: %s\n", a.Department)
	}
	if len(a.Skills) > 0 {
		fmt.Fprintf(&sb, "Skills: %s\n", strings.Join(a.Skills, ", "))
	}
	fmt.Fprintf(&sb, "Other active tasks: %d\n", a.ActiveTasks)
	return sb.String()
}
