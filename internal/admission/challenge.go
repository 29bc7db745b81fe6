// ABOUTME: Knowledge challenge questions asked before a member is admitted
// ABOUTME: Questions are multiple choice; the pending question index is persisted per member

package admission

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Question is one multiple choice challenge
type Question struct {
	Prompt  string
	Options []string
	Correct int
}

// ChallengeBank is the set of questions a gate draws from
type ChallengeBank struct {
	questions []Question
	pick      func(n int) int
}

// NewChallengeBank validates questions and returns a bank.
func NewChallengeBank(questions []Question) (*ChallengeBank, error) {
	if len(questions) == 0 {
		return nil, errors.New("challenge bank is empty")
	}
	for i, q := range questions {
		if len(q.Options) < 2 {
			return nil, fmt.Errorf("question %d needs at least two options", i)
		}
		if q.Correct < 0 || q.Correct >= len(q.Options) {
			return nil, fmt.Errorf("question %d: correct option %d out of range", i, q.Correct)
		}
	}
	return &ChallengeBank{questions: questions, pick: rand.IntN}, nil
}

// DefaultChallenges is a small built-in bank
func DefaultChallenges() []Question {
	return []Question{
		{Prompt: "What is 3 + 4?", Options: []string{"6", "7", "8"}, Correct: 1},
		{Prompt: "Which of these is a colour?", Options: []string{"Blue", "Table", "Seven"}, Correct: 0},
		{Prompt: "How many days are in a week?", Options: []string{"5", "6", "7"}, Correct: 2},
		{Prompt: "Which animal barks?", Options: []string{"Cat", "Dog", "Fish"}, Correct: 1},
	}
}

// Len returns the number of questions
func (b *ChallengeBank) Len() int {
	return len(b.questions)
}

// Random picks a question and returns it with its index
func (b *ChallengeBank) Random() (int, Question) {
	i := b.pick(len(b.questions))
	return i, b.questions[i]
}

// Get returns the question at index
func (b *ChallengeBank) Get(index int) (Question, bool) {
	if index < 0 || index >= len(b.questions) {
		return Question{}, false
	}
	return b.questions[index], true
}

// Check reports whether answer is the correct option of question index
func (b *ChallengeBank) Check(index, answer int) bool {
	q, ok := b.Get(index)
	return ok && q.Correct == answer
}

// Format renders a question as markdown with 1-based options
func (q Question) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Verification question**\n\n%s\n\n", q.Prompt)
	for i, opt := range q.Options {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, opt)
	}
	sb.WriteString("\nReply with `!answer N`.")
	return sb.String()
}
