// Package rules evaluates operator-defined fraud rules against transactions.
//
// Rules are CEL expressions over a fixed transaction environment. They are
// compiled once on save; a rule that does not compile, or does not evaluate
// to a boolean, is rejected before it can touch live traffic.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
)

// Errors
var (
	ErrNotFound    = errors.New("rules: rule not found")
	ErrBadRule     = errors.New("rules: invalid rule")
	ErrCompile     = errors.New("rules: expression does not compile")
	ErrNotBoolean  = errors.New("rules: expression must evaluate to a boolean")
	ErrBadAction   = errors.New("rules: unknown action")
	ErrDuplicateID = errors.New("rules: rule already exists")
)

// Actions a matched rule can take.
const (
	// ActionDeny forces a deny decision.
	ActionDeny = "deny"
	// ActionReview forces at least a review decision.
	ActionReview = "review"
	// ActionFlag contributes the rule's weight as an extra risk factor.
	ActionFlag = "flag"
)

// Rule is an operator-defined fraud rule.
type Rule struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Action     string    `json:"action"`
	Weight     float64   `json:"weight,omitempty"` // risk contribution for flag rules, 0..1
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Validate checks rule fields other than the expression.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrBadRule)
	}
	switch r.Action {
	case ActionDeny, ActionReview, ActionFlag:
	default:
		return fmt.Errorf("%w: %q", ErrBadAction, r.Action)
	}
	if r.Action == ActionFlag && (r.Weight <= 0 || r.Weight > 1) {
		return fmt.Errorf("%w: flag rules need a weight in (0, 1]", ErrBadRule)
	}
	return nil
}

// Input is the transaction environment a rule sees.
type Input struct {
	Amount     float64
	Currency   string
	UserID     string
	IP         string
	Country    string
	DeviceID   string
	MerchantID string
	Channel    string
	Hour       int
	TORExit    bool
	CTIScore   float64
	Velocity   int // transactions by this user in the last 10 seconds
	DailySum   float64
	NewDevice  bool
}

func (in Input) activation() map[string]interface{} {
	return map[string]interface{}{
		"amount":     in.Amount,
		"currency":   in.Currency,
		"userId":     in.UserID,
		"ip":         in.IP,
		"country":    in.Country,
		"deviceId":   in.DeviceID,
		"merchantId": in.MerchantID,
		"channel":    in.Channel,
		"hour":       in.Hour,
		"torExit":    in.TORExit,
		"ctiScore":   in.CTIScore,
		"velocity":   in.Velocity,
		"dailySum":   in.DailySum,
		"newDevice":  in.NewDevice,
	}
}

// Match is one rule that fired for a transaction.
type Match struct {
	RuleID string
	Name   string
	Action string
	Weight float64
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Engine holds compiled rules and evaluates them against transactions.
type Engine struct {
	env *cel.Env

	mu    sync.RWMutex
	rules map[string]compiledRule
}

// NewEngine creates a rule engine with the transaction environment declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("userId", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("deviceId", cel.StringType),
		cel.Variable("merchantId", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("torExit", cel.BoolType),
		cel.Variable("ctiScore", cel.DoubleType),
		cel.Variable("velocity", cel.IntType),
		cel.Variable("dailySum", cel.DoubleType),
		cel.Variable("newDevice", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: build environment: %w", err)
	}
	return &Engine{env: env, rules: make(map[string]compiledRule)}, nil
}

// Compile validates an expression without installing it.
func (e *Engine) Compile(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w (got %s)", ErrNotBoolean, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	return program, nil
}

// Upsert compiles and installs a rule. Disabled rules are installed too so
// re-enabling does not need a recompile.
func (e *Engine) Upsert(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	program, err := e.compile(rule.Expression)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules[rule.ID] = compiledRule{rule: rule, program: program}
	e.mu.Unlock()
	return nil
}

// Remove uninstalls a rule.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	delete(e.rules, id)
	e.mu.Unlock()
}

// Rules returns the installed rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Evaluate runs every enabled rule against the input. A rule that errors at
// runtime is treated as not matched; bad intel must not block checkout.
func (e *Engine) Evaluate(ctx context.Context, in Input) []Match {
	e.mu.RLock()
	compiled := make([]compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if cr.rule.Enabled {
			compiled = append(compiled, cr)
		}
	}
	e.mu.RUnlock()

	activation := in.activation()
	var matches []Match
	for _, cr := range compiled {
		if ctx.Err() != nil {
			break
		}
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		metrics.RuleMatchesTotal.WithLabelValues(cr.rule.ID).Inc()
		matches = append(matches, Match{
			RuleID: cr.rule.ID,
			Name:   cr.rule.Name,
			Action: cr.rule.Action,
			Weight: cr.rule.Weight,
		})
	}
	return matches
}
