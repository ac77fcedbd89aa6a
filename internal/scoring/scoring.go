// Package scoring computes final exam scores from a privileged question
// catalog and a candidate's answer map. It is pure: no clock, no storage,
// no side effects. It consumes correct answers, so it must only ever run
// in the trusted submit path — never in candidate-facing code.
package scoring

import (
	"strconv"

	"github.com/kotoba-cbt/kotoba-backend/internal/model"
)

// TotalScale is the exam's reporting scale: a perfect attempt scores 250.
const TotalScale = 250.0

// Result holds per-section percentages and the 250-scale total.
// SectionScores is keyed by section number rendered as a string, matching
// the jsonb column it is persisted to.
type Result struct {
	SectionScores map[string]float64
	TotalScore250 float64
	TotalCorrect  int
	TotalCount    int
}

// Score grades answers against the full catalog. Comparison is exact string
// match on the chosen option. Sections with no questions score 0 rather
// than dividing by zero; unanswered questions simply never match.
func Score(questions []model.Question, answers map[string]string) Result {
	type tally struct {
		correct int
		total   int
	}
	sections := make(map[int]*tally)

	res := Result{SectionScores: make(map[string]float64)}

	for i := range questions {
		q := &questions[i]
		t := sections[q.SectionNumber]
		if t == nil {
			t = &tally{}
			sections[q.SectionNumber] = t
		}
		t.total++
		res.TotalCount++
		if answers[q.ID.String()] == q.CorrectAnswer {
			t.correct++
			res.TotalCorrect++
		}
	}

	for number, t := range sections {
		pct := 0.0
		if t.total > 0 {
			pct = 100 * float64(t.correct) / float64(t.total)
		}
		res.SectionScores[strconv.Itoa(number)] = pct
	}

	if res.TotalCount > 0 {
		res.TotalScore250 = TotalScale * float64(res.TotalCorrect) / float64(res.TotalCount)
	}

	return res
}
