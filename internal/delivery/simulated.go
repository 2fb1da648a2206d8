package delivery

import (
	"context"
	"errors"
	"math/rand"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errSimulated = errors.New("simulated temporary send error")

// Simulated stands in for a real relay in local runs. Addresses under the .invalid
// TLD fail permanently; others fail transiently with probability FailureRate.
type Simulated struct {
	FailureRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulated(failureRate float64, seed int64) *Simulated {
	return &Simulated{FailureRate: failureRate, rnd: rand.New(rand.NewSource(seed))}
}

func (s *Simulated) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, TransientError(err)
	}
	if _, err := mail.ParseAddress(msg.To); err != nil || strings.HasSuffix(msg.To, ".invalid") {
		return Receipt{}, PermanentError(errors.New("mailbox does not exist"))
	}
	s.mu.Lock()
	fail := s.rnd.Float64() < s.FailureRate
	s.mu.Unlock()
	if fail {
		return Receipt{}, TransientError(errSimulated)
	}
	return Receipt{ID: uuid.NewString(), AcceptedAt: time.Now()}, nil
}
