package app

import (
	"sort"

	"quizlive-service/internal/domain"
)

// ScoreboardEntry is a snapshot-friendly view of a participant's final
// standing.
type ScoreboardEntry struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
}

// ComputeFinalScores derives per-participant scores from the immutable
// response log: one point per response matching the question's correct
// option. Participants with no responses score 0. The function is pure and
// idempotent over an unchanged log.
func ComputeFinalScores(session domain.Session, responses []domain.Response) map[string]int {
	scores := make(map[string]int, len(session.Roster))
	for _, p := range session.Roster {
		scores[p.UID] = 0
	}
	for _, r := range responses {
		if r.SelectedOption == domain.NoAnswer {
			continue
		}
		if r.QuestionIndex < 0 || r.QuestionIndex >= len(session.Questions) {
			continue
		}
		if _, ok := scores[r.ParticipantID]; !ok {
			// Response from a uid no longer on the roster (reopened run);
			// it does not score.
			continue
		}
		if r.SelectedOption == session.Questions[r.QuestionIndex].CorrectOptionIndex {
			scores[r.ParticipantID]++
		}
	}
	return scores
}

// FinalScoreboard orders standings by score descending, then join order
// ascending, so repeated computations and test output are deterministic.
func FinalScoreboard(session domain.Session, scores map[string]int) []ScoreboardEntry {
	joinOrder := make(map[string]int, len(session.Roster))
	entries := make([]ScoreboardEntry, 0, len(session.Roster))
	for i, p := range session.Roster {
		joinOrder[p.UID] = i
		entries = append(entries, ScoreboardEntry{
			UID:         p.UID,
			DisplayName: p.DisplayName,
			Score:       scores[p.UID],
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return joinOrder[entries[i].UID] < joinOrder[entries[j].UID]
	})
	return entries
}
