package main

import (
	"context"
	"errors"
	"time"
)

// Calc is the demo service the serve command exposes as Calc#1.0.
type Calc struct{}

func (Calc) Add(a, b int) (int, error) { return a + b, nil }

func (Calc) Sub(a, b int) (int, error) { return a - b, nil }

func (Calc) Mul(a, b int) (int, error) { return a * b, nil }

func (Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

// Sleep holds the call for ms milliseconds, or until the request times out.
func (Calc) Sleep(ctx context.Context, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
