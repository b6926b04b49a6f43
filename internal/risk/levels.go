package risk

// threshold maps a minimum value to a level. Tables are ordered from the
// highest threshold down.
type threshold struct {
	Min   float64
	Level Level
}

var (
	scoreThresholds = []threshold{
		{80, LevelExtreme},
		{60, LevelCritical},
		{40, LevelHigh},
		{20, LevelMedium},
		{10, LevelLow},
	}
	timeThresholds = []threshold{
		{200, LevelExtreme},
		{150, LevelCritical},
		{100, LevelHigh},
		{60, LevelMedium},
		{30, LevelLow},
	}
	roleFitThresholds = []threshold{
		{18, LevelExtreme},
		{14, LevelCritical},
		{10, LevelHigh},
		{6, LevelMedium},
		{3, LevelLow},
	}
	communicationThresholds = []threshold{
		{7.5, LevelExtreme},
		{6, LevelCritical},
		{4.5, LevelHigh},
		{3, LevelMedium},
		{1.5, LevelLow},
	}
	dependencyThresholds = []threshold{
		{7, LevelHigh},
		{4, LevelMedium},
	}
)

func levelFor(table []threshold, v float64, floor Level) Level {
	for _, t := range table {
		if v >= t.Min {
			return t.Level
		}
	}
	return floor
}

// LevelForScore maps an aggregate score to its level.
func LevelForScore(score float64) Level {
	return levelFor(scoreThresholds, score, LevelMinimal)
}
