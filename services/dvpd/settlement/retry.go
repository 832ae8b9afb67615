package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff applied to transient transport
// errors. Precondition errors are returned on the first attempt.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is used when a zero policy is configured.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Initial: 250 * time.Millisecond, Max: 5 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetryPolicy.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
		if DefaultRetryPolicy.Max > p.Max {
			p.Max = DefaultRetryPolicy.Max
		}
	}
	return p
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)
}

// Do runs op until it succeeds, fails with a non-transient error or the
// attempts run out. Exhaustion is reported as ErrTransportExhausted wrapping
// the last transport error. notify, when set, observes every retry.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, notify func(error, time.Duration)) error {
	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || isContextErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(attempt, p.backoff(ctx), notify)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrTransportExhausted, err)
	}
	return err
}
