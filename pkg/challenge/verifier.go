package challenge

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGraceDelay is how long after exhaustion the cancel callback fires,
// giving the user a moment to read the final error before the gated action
// is abandoned.
const DefaultGraceDelay = 2 * time.Second

// Result is the outcome of one Submit call.
type Result struct {
	Correct           bool
	AttemptsRemaining int
	Exhausted         bool

	// Question is the fresh problem to display after a wrong answer. Empty
	// when the session ended (correct or exhausted).
	Question string
}

// Verifier generates challenges and grades answers.
//
// Every Submit call consumes an attempt, including non-numeric input: the
// frontend is expected to format-check before submitting, and anything that
// reaches the verifier is treated as a real (failed) guess. This closes the
// loophole of probing with free malformed submissions.
type Verifier struct {
	logger     *logrus.Logger
	rng        *rand.Rand
	graceDelay time.Duration
}

type VerifierOpts struct {
	Seed       int64
	GraceDelay time.Duration
}

func NewVerifier(logger *logrus.Logger, opts *VerifierOpts) *Verifier {
	seed := time.Now().UnixNano()
	graceDelay := DefaultGraceDelay
	if opts != nil {
		if opts.Seed != 0 {
			seed = opts.Seed
		}
		if opts.GraceDelay != 0 {
			graceDelay = opts.GraceDelay
		}
	}
	return &Verifier{
		logger:     logger,
		rng:        rand.New(rand.NewSource(seed)), // #nosec G404 -- not security material, just puzzle variety
		graceDelay: graceDelay,
	}
}

// Generate starts a fresh challenge session.
func (v *Verifier) Generate(difficulty Difficulty) *Challenge {
	return newChallenge(difficulty, v.newProblem(difficulty))
}

// Submit grades one answer. On a wrong answer the current problem is
// replaced with a fresh one. On the third wrong answer the session is
// exhausted and onCancel (if any) fires after the grace delay.
func (v *Verifier) Submit(c *Challenge, answer string, onCancel func()) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved || c.exhausted {
		return Result{
			Correct:           c.resolved,
			AttemptsRemaining: MaxAttempts - c.attemptsUsed,
			Exhausted:         c.exhausted,
		}
	}

	c.attemptsUsed++

	parsed, err := strconv.Atoi(strings.TrimSpace(answer))
	correct := err == nil && parsed == c.current.answer

	if correct {
		c.resolved = true
		return Result{Correct: true, AttemptsRemaining: MaxAttempts - c.attemptsUsed}
	}

	if c.attemptsUsed >= MaxAttempts {
		c.exhausted = true
		v.logger.WithField("challenge_id", c.ID).Info("challenge attempts exhausted, cancelling gated action")
		if onCancel != nil {
			time.AfterFunc(v.graceDelay, onCancel)
		}
		return Result{Exhausted: true}
	}

	c.current = v.newProblem(c.Difficulty)
	return Result{
		AttemptsRemaining: MaxAttempts - c.attemptsUsed,
		Question:          c.current.question(),
	}
}

func (v *Verifier) newProblem(difficulty Difficulty) problem {
	switch difficulty {
	case Medium:
		// Addition or subtraction of values in [5,20). Subtraction keeps
		// the larger operand first so answers stay non-negative.
		a := 5 + v.rng.Intn(15)
		b := 5 + v.rng.Intn(15)
		if v.rng.Intn(2) == 0 {
			return problem{operand1: a, operand2: b, operator: "+", answer: a + b}
		}
		if b > a {
			a, b = b, a
		}
		return problem{operand1: a, operand2: b, operator: "-", answer: a - b}
	case Hard:
		// Multiplication of values in [2,14).
		a := 2 + v.rng.Intn(12)
		b := 2 + v.rng.Intn(12)
		return problem{operand1: a, operand2: b, operator: "*", answer: a * b}
	default:
		// Easy: addition of values in [1,10].
		a := 1 + v.rng.Intn(10)
		b := 1 + v.rng.Intn(10)
		return problem{operand1: a, operand2: b, operator: "+", answer: a + b}
	}
}
