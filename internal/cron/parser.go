package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/pixlewatch/internal/domain"
)

// Parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @daily or @every 1h.
type Parser struct {
	parser cron.Parser
	loc    *time.Location
}

func NewParser() *Parser {
	return NewParserInLocation(time.UTC)
}

// NewParserInLocation evaluates schedules in loc instead of UTC.
func NewParserInLocation(loc *time.Location) *Parser {
	return &Parser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
	}
}

// Parse returns domain.ErrInvalidExpression wrapped with the parser's reason.
func (p *Parser) Parse(expression string) (Schedule, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", domain.ErrInvalidExpression)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: timezone prefixes are not supported", domain.ErrInvalidExpression)
	}

	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidExpression, err)
	}

	return &schedule{sched: sched, loc: p.loc}, nil
}

// Validate reports whether expression would be accepted by Parse.
func (p *Parser) Validate(expression string) error {
	_, err := p.Parse(expression)
	return err
}

// Schedule satisfies robfig's cron.Schedule so it can be handed to a cron.Cron directly.
type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
