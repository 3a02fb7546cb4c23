package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"cr-go/internal/cr"
)

// Fields is the number of fields a mission's cron expression carries:
// sec min hour day-of-month month day-of-week year.
const Fields = 7

// Schedule is a parsed cron expression.
type Schedule struct {
	raw  string
	expr *cronexpr.Expression
}

// Parse parses a 7-field cron expression. Errors wrap cr.ErrInvalidCronExpression.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if n := len(strings.Fields(expr)); n != Fields {
		return nil, fmt.Errorf("%w: %q has %d fields, want %d", cr.ErrInvalidCronExpression, expr, n, Fields)
	}
	e, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", cr.ErrInvalidCronExpression, expr, err)
	}
	return &Schedule{raw: expr, expr: e}, nil
}

func (s *Schedule) String() string { return s.raw }

// Next returns the first occurrence strictly after t, or the zero time when
// the expression has no further occurrences.
func (s *Schedule) Next(t time.Time) time.Time {
	next := s.expr.Next(t)
	for !next.IsZero() && !next.After(t) {
		next = s.expr.Next(next.Add(time.Second))
	}
	return next
}
