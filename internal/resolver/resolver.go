package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/models"
	"taskpilot/internal/store"
)

const (
	// minScore is the floor below which a task is not considered a match at all.
	minScore = 0.35
	// ambiguityMargin is how close the runner-up may be before we refuse to
	// pick a winner and ask the user instead.
	ambiguityMargin = 0.15
	// maxCandidates caps the list returned with an ambiguous reference.
	maxCandidates = 5
)

// Resolution is a resolved task reference. Confidence is 1.0 only for an
// exact title match; anything lower came from fuzzy matching and the
// confirmation gate treats it accordingly.
type Resolution struct {
	Task       *models.Task
	Confidence float64
}

// Resolver maps free-text task references onto concrete task ids by scoring
// the owner's tasks against the reference text.
type Resolver struct {
	tasks *store.TaskStore
}

func New(tasks *store.TaskStore) *Resolver {
	return &Resolver{tasks: tasks}
}

type scored struct {
	task  models.Task
	score float64
}

// Resolve finds the task the reference points at. It returns a not-found
// error when nothing scores above the floor, and an ambiguous-reference
// error carrying candidates when the top matches are too close to call.
func (r *Resolver) Resolve(ctx context.Context, owner, ref string) (*Resolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperrors.Validation("task reference cannot be empty")
	}

	tasks, err := r.tasks.List(ctx, owner, models.StatusFilterAll)
	if err != nil {
		return nil, err
	}

	matches := make([]scored, 0, len(tasks))
	for _, task := range tasks {
		if s := Score(ref, task.Title); s >= minScore {
			matches = append(matches, scored{task: task, score: s})
		}
	}
	if len(matches) == 0 {
		// Candidate-free: the caller turns this into a clarifying question.
		return nil, apperrors.Ambiguous(fmt.Sprintf("no task matches %q", ref), nil)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	if len(matches) > 1 && matches[0].score-matches[1].score < ambiguityMargin {
		candidates := make([]apperrors.Candidate, 0, maxCandidates)
		for _, m := range matches {
			if len(candidates) == maxCandidates {
				break
			}
			candidates = append(candidates, apperrors.Candidate{ID: m.task.ID, Title: m.task.Title})
		}
		return nil, apperrors.Ambiguous(fmt.Sprintf("multiple tasks match %q", ref), candidates)
	}

	best := matches[0]
	return &Resolution{Task: &best.task, Confidence: best.score}, nil
}

// Score rates how well ref matches title, in [0, 1]. Exact match after
// normalization scores 1.0; containment scores by length ratio; otherwise
// the score is the fraction of ref's tokens found in the title.
func Score(ref, title string) float64 {
	ref = normalize(ref)
	title = normalize(title)
	if ref == "" || title == "" {
		return 0
	}
	if ref == title {
		return 1.0
	}

	if strings.Contains(title, ref) {
		return 0.6 + 0.3*float64(len(ref))/float64(len(title))
	}
	if strings.Contains(ref, title) {
		return 0.6 + 0.3*float64(len(title))/float64(len(ref))
	}

	refTokens := strings.Fields(ref)
	titleTokens := strings.Fields(title)
	if len(refTokens) == 0 {
		return 0
	}
	titleSet := make(map[string]bool, len(titleTokens))
	for _, tok := range titleTokens {
		titleSet[tok] = true
	}
	hits := 0
	for _, tok := range refTokens {
		if titleSet[tok] {
			hits++
		}
	}
	return 0.7 * float64(hits) / float64(len(refTokens))
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteByte(' ')
		default:
			// drop punctuation
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
