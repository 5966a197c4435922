package admission

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Window is the sliding window every quota is counted over.
const Window = 24 * time.Hour

type Kind string

const (
	KindChat  Kind = "chat"
	KindImage Kind = "image"
)

// Counter is an atomic check-and-increment over a sliding window.
type Counter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, err error)
}

type Request struct {
	Kind      Kind
	Identity  string
	Premium   bool
	BYOK      bool
	Anonymous bool
}

type Decision struct {
	// Limited is false when the request bypassed quotas entirely.
	Limited   bool
	Remaining int
}

// DeniedError is returned when a request is over quota or not allowed at all.
type DeniedError struct {
	Status  int
	Code    int
	Message string
}

func (e *DeniedError) Error() string { return e.Message }

type Controller struct {
	counter Counter
}

func NewController(counter Counter) *Controller {
	return &Controller{counter: counter}
}

func Ceiling(kind Kind, anonymous, premium bool) int {
	if kind == KindImage {
		switch {
		case anonymous && premium:
			return 0
		case anonymous:
			return 10
		default:
			return 3
		}
	}
	switch {
	case anonymous && premium:
		return 0
	case anonymous:
		return 10
	case premium:
		return 10
	default:
		return 30
	}
}

func tier(kind Kind, premium bool) string {
	t := "standard"
	if premium {
		t = "premium"
	}
	if kind == KindImage {
		return "image-" + t
	}
	return t
}

// Key is the counter key for an identity and tier.
func Key(identity string, kind Kind, premium bool) string {
	return identity + ":" + tier(kind, premium)
}

// Admit checks quota before any costly work. Counter failures are returned
// as errors so the caller fails closed.
func (c *Controller) Admit(ctx context.Context, req Request) (Decision, error) {
	if req.BYOK {
		return Decision{}, nil
	}

	limit := Ceiling(req.Kind, req.Anonymous, req.Premium)
	if limit == 0 {
		return Decision{}, &DeniedError{
			Status:  http.StatusForbidden,
			Code:    40302,
			Message: "This model requires sign-in. Please sign in to use premium models.",
		}
	}

	allowed, remaining, err := c.counter.CheckAndIncrement(ctx, Key(req.Identity, req.Kind, req.Premium), limit, Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}
	if !allowed {
		msg := "Rate limit exceeded. Please try again in 24 hours."
		if req.Anonymous {
			msg = "Rate limit exceeded. Sign in for more requests."
		}
		return Decision{}, &DeniedError{Status: http.StatusTooManyRequests, Code: 42901, Message: msg}
	}
	return Decision{Limited: true, Remaining: remaining}, nil
}
