package risk

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/basket/taskrisk/internal/reasoning"
)

const communicationSystem = `You review the recent discussion around a task and judge how well the people involved are communicating.
Reply with a single JSON object and nothing else:
{"communication_score": <0-10>, "sentiment_score": <0-10>,
 "promises_made": <integer>, "promises_kept": <integer>, "promises_broken": <integer>,
 "risk_indicators": ["..."], "collaboration_notes": ["..."], "technical_challenges": ["..."],
 "recommendations": ["..."], "summary": "<two sentences at most>"}
Both scores: 0 is best (clear, timely, positive), 10 is worst (silent, confused, hostile or alarmed).`

var communicationValidator = reasoning.MustValidator("communication", `{
	"type": "object",
	"required": ["communication_score", "sentiment_score"],
	"properties": {
		"communication_score": {"type": "number", "minimum": 0, "maximum": 10},
		"sentiment_score": {"type": "number", "minimum": 0, "maximum": 10},
		"promises_made": {"type": "integer", "minimum": 0},
		"promises_kept": {"type": "integer", "minimum": 0},
		"promises_broken": {"type": "integer", "minimum": 0},
		"risk_indicators": {"type": "array", "items": {"type": "string"}},
		"collaboration_notes": {"type": "array", "items": {"type": "string"}},
		"technical_challenges": {"type": "array", "items": {"type": "string"}},
		"recommendations": {"type": "array", "items": {"type": "string"}},
		"summary": {"type": "string"}
	}
}`)

type communicationReply struct {
	Communication       float64  `json:"communication_score"`
	Sentiment           float64  `json:"sentiment_score"`
	PromisesMade        int      `json:"promises_made"`
	PromisesKept        int      `json:"promises_kept"`
	PromisesBroken      int      `json:"promises_broken"`
	RiskIndicators      []string `json:"risk_indicators"`
	CollaborationNotes  []string `json:"collaboration_notes"`
	TechnicalChallenges []string `json:"technical_challenges"`
	Recommendations     []string `json:"recommendations"`
	Summary             string   `json:"summary"`
}

const (
	silentCommunicationScore = 10
	neutralSentimentScore    = 5
	baselineFallbackScore    = 5
)

// CommunicationRiskAnalyzer scores the recent comment thread. Silence is
// itself a strong risk signal.
type CommunicationRiskAnalyzer struct {
	client *reasoning.Client
	logger *slog.Logger
}

func NewCommunicationRiskAnalyzer(client *reasoning.Client, logger *slog.Logger) *CommunicationRiskAnalyzer {
	return &CommunicationRiskAnalyzer{client: client, logger: loggerOrDefault(logger)}
}

func (a *CommunicationRiskAnalyzer) Analyze(ctx context.Context, task *TaskSnapshot) Communication {
	comments := task.Comments
	if len(comments) > MaxComments {
		comments = comments[:MaxComments]
	}
	if len(comments) == 0 {
		res := Communication{
			CommunicationScore: silentCommunicationScore,
			SentimentScore:     neutralSentimentScore,
			Engagement:         "none",
			Narrative: "Nobody has commented on this task or its project. Without status updates " +
				"problems surface late, so the silence is scored as a high risk on its own.",
			Provenance: ProvenanceRule,
		}
		res.Combined = combine(res.CommunicationScore, res.SentimentScore)
		res.Level = levelFor(communicationThresholds, res.Combined, LevelMinimal)
		return res
	}

	var reply communicationReply
	prov, failure := consult(ctx, a.client, a.logger, ComponentCommunication, reasoning.Request{
		System: communicationSystem,
		Prompt: communicationPrompt(task, comments),
	}, communicationValidator, &reply)

	var res Communication
	if prov == ProvenanceService {
		res = Communication{
			CommunicationScore:  reply.Communication,
			SentimentScore:      reply.Sentiment,
			Promises:            Promises{Made: reply.PromisesMade, Kept: reply.PromisesKept, Broken: reply.PromisesBroken},
			RiskIndicators:      reply.RiskIndicators,
			CollaborationNotes:  reply.CollaborationNotes,
			TechnicalChallenges: reply.TechnicalChallenges,
			Recommendations:     reply.Recommendations,
			Narrative:           reply.Summary,
		}
		res.Engagement, _ = engagementTier(len(comments))
	} else {
		res = fallbackCommunication(comments)
	}
	res.CommentCount = len(comments)
	res.Provenance = prov
	res.Failure = failure
	res.Combined = combine(res.CommunicationScore, res.SentimentScore)
	res.Level = levelFor(communicationThresholds, res.Combined, LevelMinimal)
	return res
}

func combine(communication, sentiment float64) float64 {
	return round2((communication + sentiment) / 2)
}

// fallbackCommunication scans each comment against the signal sets. A set
// counts at most once per comment.
func fallbackCommunication(comments []Comment) Communication {
	comm := float64(baselineFallbackScore)
	sentiment := float64(baselineFallbackScore)
	res := Communication{}
	hits := make(map[string]int)

	for _, c := range comments {
		text := normalize(c.Body)
		for _, set := range communicationSignals {
			kw, ok := text.hasAny(set.Keywords)
			if !ok {
				continue
			}
			hits[set.Name]++
			comm += set.CommDelta
			sentiment += set.SentimentDelta
			switch set.Name {
			case signalRisk, signalUrgency:
				res.RiskIndicators = appendUnique(res.RiskIndicators, fmt.Sprintf("%s: %q", set.Name, kw))
			case signalTechnical:
				res.TechnicalChallenges = appendUnique(res.TechnicalChallenges, excerpt(c.Body))
			case signalCollaboration:
				res.CollaborationNotes = appendUnique(res.CollaborationNotes, excerpt(c.Body))
			}
		}
	}

	engagement, adj := engagementTier(len(comments))
	comm += adj
	res.Engagement = engagement
	res.CommunicationScore = round2(clamp(comm, 0, 10))
	res.SentimentScore = round2(clamp(sentiment, 0, 10))
	res.Promises = Promises{Made: hits[signalPromise], Kept: hits[signalKept], Broken: hits[signalBroken]}

	if hits[signalCollaboration] > 0 {
		res.Recommendations = append(res.Recommendations, "Clarify ownership and next steps in the thread.")
	}
	if hits[signalBroken] > 0 {
		res.Recommendations = append(res.Recommendations, "Follow up on commitments that slipped.")
	}
	if hits[signalTechnical] > 0 {
		res.Recommendations = append(res.Recommendations, "Schedule a technical review of the reported problems.")
	}
	res.Narrative = fmt.Sprintf("%d recent comments, %s engagement; %d risk, %d urgency, %d positive signals.",
		len(comments), engagement, hits[signalRisk], hits[signalUrgency], hits[signalPositive])
	return res
}

func communicationPrompt(task *TaskSnapshot, comments []Comment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Name)
	if task.Deadline != nil {
		fmt.Fprintf(&sb, "Deadline: %s\n", task.Deadline.UTC().Format(time.RFC3339))
	} else {
		sb.WriteString("Deadline: none\n")
	}
	sb.WriteString("\nRecent comments, newest first:\n")
	for _, c := range comments {
		fmt.Fprintf(&sb, "[%s] (%s) %s: %s\n", c.CreatedAt.UTC().Format("2006-01-02 15:04"), c.Scope, c.Author, strings.TrimSpace(c.Body))
	}
	return sb.String()
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= 120 {
		return s
	}
	return string(r[:117]) + "..."
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
