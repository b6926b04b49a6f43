package risk

// keywordRule maps vocabulary to a category. Rule tables are evaluated in
// order and the first match wins.
type keywordRule struct {
	Category string
	Keywords []string
	// Score is the role-match score used when the assignee does not
	// belong to Category.
	Score float64
}

// roleRules classifies task text and assignee profiles into broad
// professional domains.
var roleRules = []keywordRule{
	{Category: "content_marketing", Score: 7, Keywords: []string{"content", "copywrit", "blog", "article", "marketing", "campaign", "social media", "newsletter", "seo", "brand"}},
	{Category: "sales", Score: 7, Keywords: []string{"sales", "lead gen", "prospect", "crm", "deal", "quota", "account executive", "pipeline review"}},
	{Category: "finance", Score: 8, Keywords: []string{"finance", "financial", "budget", "invoice", "accounting", "accountant", "payroll", "tax", "bookkeep", "forecast"}},
	{Category: "healthcare", Score: 9, Keywords: []string{"patient", "clinical", "medical", "nurse", "nursing", "physician", "hospital", "pharma"}},
	{Category: "education", Score: 7, Keywords: []string{"curriculum", "lesson", "teacher", "teaching", "student", "course", "tutor", "instructor"}},
	{Category: "construction", Score: 8, Keywords: []string{"construction", "foundation", "framing", "concrete", "roofing", "excavat", "plumb", "electrician", "carpent", "site work"}},
	{Category: "manufacturing", Score: 8, Keywords: []string{"manufactur", "assembly line", "production line", "machining", "factory", "fabricat", "quality control"}},
	{Category: "retail", Score: 6, Keywords: []string{"retail", "storefront", "inventory", "merchandis", "cashier", "point of sale"}},
	{Category: "software", Score: 8, Keywords: []string{"software", "develop", "code", "coding", "api", "backend", "frontend", "database", "deploy", "programm", "engineer", "bug", "refactor"}},
	{Category: "design", Score: 7, Keywords: []string{"design", "ux", "ui", "mockup", "wireframe", "figma", "graphic", "prototype", "illustrat"}},
	{Category: "legal", Score: 9, Keywords: []string{"legal", "contract", "compliance", "regulat", "lawyer", "attorney", "paralegal"}},
	{Category: "hr", Score: 6, Keywords: []string{"recruit", "hiring", "onboard", "human resources", "interview", "talent"}},
	{Category: "research", Score: 6, Keywords: []string{"research", "analysis", "analyst", "study", "experiment", "literature review", "scientist"}},
	{Category: "admin", Score: 5, Keywords: []string{"admin", "office", "filing", "data entry", "coordinator", "assistant", "scheduling", "clerical"}},
}

// unknownCategoryScore is the role-match score when the task text fits no
// category.
const unknownCategoryScore = 5

// matchedRoleScore is the role-match score when the assignee belongs to the
// task's category.
const matchedRoleScore = 1

func classify(rules []keywordRule, text normalizedText) (keywordRule, bool) {
	for _, rule := range rules {
		if _, ok := text.hasAny(rule.Keywords); ok {
			return rule, true
		}
	}
	return keywordRule{}, false
}

// workloadTier maps the assignee's other active tasks to a 0..10 workload score.
func workloadTier(activeTasks int) float64 {
	switch {
	case activeTasks <= 0:
		return 0
	case activeTasks <= 2:
		return 2
	case activeTasks <= 4:
		return 5
	default:
		return 8
	}
}

// dependencyRule encodes a typical sequence: work matching Upstream is
// usually needed before work matching Downstream can finish.
type dependencyRule struct {
	Name         string
	Upstream     []string
	Downstream   []string
	Contribution float64
}

var dependencyRules = []dependencyRule{
	{Name: "requirements_to_design", Upstream: []string{"requirement", "spec", "scope"}, Downstream: []string{"design", "mockup", "wireframe", "architecture"}, Contribution: 2},
	{Name: "design_to_development", Upstream: []string{"design", "mockup", "wireframe", "architecture", "prototype"}, Downstream: []string{"develop", "implement", "build", "code", "integrat"}, Contribution: 2.5},
	{Name: "development_to_testing", Upstream: []string{"develop", "implement", "build", "code", "integrat"}, Downstream: []string{"test", "qa", "quality assurance", "verif"}, Contribution: 2.5},
	{Name: "testing_to_deployment", Upstream: []string{"test", "qa", "quality assurance", "verif"}, Downstream: []string{"deploy", "release", "launch", "go live", "rollout"}, Contribution: 3},
	{Name: "content_to_seo", Upstream: []string{"content", "copy", "article", "blog", "write", "draft"}, Downstream: []string{"seo", "keyword", "optimiz"}, Contribution: 2},
	{Name: "seo_to_publish", Upstream: []string{"seo", "keyword", "optimiz"}, Downstream: []string{"publish", "post", "launch", "go live"}, Contribution: 2},
	{Name: "procurement_to_installation", Upstream: []string{"procure", "purchas", "order", "source", "vendor"}, Downstream: []string{"install", "setup", "set up", "mount"}, Contribution: 2.5},
	{Name: "foundation_to_framing", Upstream: []string{"foundation", "excavat", "footing", "slab"}, Downstream: []string{"framing", "frame", "wall", "structur"}, Contribution: 3},
	{Name: "framing_to_finishing", Upstream: []string{"framing", "frame", "roofing"}, Downstream: []string{"drywall", "paint", "finish", "interior"}, Contribution: 2},
}

const (
	// maxRuleContribution caps what one matched sibling adds.
	maxRuleContribution = 3.0
	// explicitDependentContribution is added for a sibling recorded as
	// depending on the task.
	explicitDependentContribution = 3.0
	// criticalContribution marks a dependent as critical.
	criticalContribution = 3.0
)

// outdoorKeywords and indoorKeywords drive the environment fallback.
var (
	outdoorKeywords = []string{"outdoor", "outside", "on site", "onsite", "site visit", "field", "roof", "landscap", "excavat", "paving", "concrete pour", "garden", "exterior", "solar panel", "fence", "survey the", "construction site", "delivery route"}
	indoorKeywords  = []string{"indoor", "office", "remote", "software", "code", "document", "spreadsheet", "meeting", "report", "interior", "desk", "online", "virtual"}
	hybridKeywords  = []string{"hybrid", "partly on site", "on site and remote"}
)

// classifyEnvironment decides where the work happens from its description.
func classifyEnvironment(text normalizedText) Environment {
	if _, ok := text.hasAny(hybridKeywords); ok {
		return EnvironmentHybrid
	}
	_, outdoor := text.hasAny(outdoorKeywords)
	_, indoor := text.hasAny(indoorKeywords)
	switch {
	case outdoor && indoor:
		return EnvironmentHybrid
	case outdoor:
		return EnvironmentOutdoor
	default:
		return EnvironmentIndoor
	}
}

// signalSet is one family of comment vocabulary and how a match moves the
// communication and sentiment scores.
type signalSet struct {
	Name           string
	Keywords       []string
	CommDelta      float64
	SentimentDelta float64
}

const (
	signalRisk          = "risk"
	signalPromise       = "promise"
	signalKept          = "kept"
	signalBroken        = "broken"
	signalPositive      = "positive"
	signalUrgency       = "urgency"
	signalTechnical     = "technical_challenge"
	signalCollaboration = "collaboration_issue"
)

var communicationSignals = []signalSet{
	{Name: signalRisk, CommDelta: 0.5, SentimentDelta: 1, Keywords: []string{"blocked", "blocker", "delay", "behind", "stuck", "issue", "problem", "risk", "concern", "late", "waiting on"}},
	{Name: signalPromise, CommDelta: -0.25, SentimentDelta: 0, Keywords: []string{"will", "promise", "commit", "by tomorrow", "by friday", "by monday", "eta", "going to"}},
	{Name: signalKept, CommDelta: -0.5, SentimentDelta: -0.5, Keywords: []string{"as promised", "delivered", "as agreed", "on time"}},
	{Name: signalBroken, CommDelta: 0.75, SentimentDelta: 1, Keywords: []string{"missed", "didn t", "did not", "slipped", "still not", "postponed", "pushed back"}},
	{Name: signalPositive, CommDelta: -0.5, SentimentDelta: -1, Keywords: []string{"done", "completed", "great", "thanks", "thank you", "resolved", "shipped", "on track", "finished", "merged"}},
	{Name: signalUrgency, CommDelta: 0.5, SentimentDelta: 0.5, Keywords: []string{"urgent", "asap", "immediately", "critical", "deadline", "overdue"}},
	{Name: signalTechnical, CommDelta: 0.25, SentimentDelta: 0.5, Keywords: []string{"bug", "error", "crash", "fail", "broken", "incompatib", "performance", "outage"}},
	{Name: signalCollaboration, CommDelta: 1, SentimentDelta: 0.5, Keywords: []string{"unclear", "confus", "no response", "miscommunicat", "disagree", "not sure", "who is", "nobody"}},
}

// engagementTier derives engagement from the number of comments and the
// communication adjustment it implies.
func engagementTier(comments int) (string, float64) {
	switch {
	case comments >= 5:
		return "high", -1
	case comments >= 2:
		return "medium", 0
	default:
		return "low", 1
	}
}
