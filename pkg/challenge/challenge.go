package challenge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxAttempts is the hard cap per challenge session. The third wrong answer
// is terminal.
const MaxAttempts = 3

type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// problem is one generated math question. A wrong answer always discards it
// and generates a fresh one, so an observed problem is never asked twice.
type problem struct {
	operand1 int
	operand2 int
	operator string
	answer   int
}

func (p problem) question() string {
	return fmt.Sprintf("%d %s %d", p.operand1, p.operator, p.operand2)
}

// Challenge is one human-verification session: up to MaxAttempts answers
// against a sequence of freshly generated problems.
type Challenge struct {
	ID         string
	Difficulty Difficulty
	CreatedAt  time.Time

	mu           sync.Mutex
	current      problem
	attemptsUsed int
	resolved     bool
	exhausted    bool
}

func (c *Challenge) Question() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.question()
}

func (c *Challenge) AttemptsUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptsUsed
}

// Resolved reports whether the session ended with a correct answer.
func (c *Challenge) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

func (c *Challenge) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func newChallenge(difficulty Difficulty, p problem) *Challenge {
	return &Challenge{
		ID:         uuid.NewString(),
		Difficulty: difficulty,
		CreatedAt:  time.Now(),
		current:    p,
	}
}
