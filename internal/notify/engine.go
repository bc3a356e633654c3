package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contractops/contractops/pkg/types"
)

const (
	// defaultCooldown applies to rules that do not set their own.
	defaultCooldown = time.Minute

	// maxHistory bounds the in-memory record of fired notifications.
	maxHistory = 200
)

// Rule selects which events produce notifications. A rule matches an
// event when the event type is listed in Types and, if ContractIDs is
// non-empty, the event's contract is listed too.
type Rule struct {
	Name        string
	Types       []string
	ContractIDs []int64
	Cooldown    time.Duration
}

func (r Rule) matches(ev types.PresenceEvent) bool {
	ok := false
	for _, t := range r.Types {
		if t == ev.Type {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if len(r.ContractIDs) == 0 {
		return true
	}
	for _, id := range r.ContractIDs {
		if id == ev.ContractID {
			return true
		}
	}
	return false
}

// Notification is one fired rule match.
type Notification struct {
	Rule    string              `json:"rule"`
	Event   types.PresenceEvent `json:"event"`
	FiredAt time.Time           `json:"fired_at"`
}

// Sender delivers a fired notification. Implementations must be safe
// for concurrent use.
type Sender interface {
	Send(n Notification) error
}

// Engine matches accepted collaboration events against notification
// rules and hands matches to a Sender. Delivery runs in the background,
// so offering an event never blocks the caller. Engine is safe for
// concurrent use.
type Engine struct {
	sender Sender

	mu       sync.Mutex
	rules    []Rule
	lastFire map[string]time.Time // "rule:contractID" -> last fire time
	history  []Notification

	now func() time.Time // injectable for deterministic tests
}

// New builds an engine firing the given rules through sender.
func New(rules []Rule, sender Sender) *Engine {
	return &Engine{
		sender:   sender,
		rules:    rules,
		lastFire: make(map[string]time.Time),
		now:      time.Now,
	}
}

// UpdateRules replaces the rule set. Cooldown bookkeeping carries over,
// keyed by rule name, so a reload does not re-fire suppressed rules.
func (e *Engine) UpdateRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	slog.Info("notify: rules updated", "count", len(rules))
}

// Offer evaluates one event against the rules and fires every match
// that is outside its cooldown window. The collaboration hub calls
// this for each event it accepts.
func (e *Engine) Offer(ev types.PresenceEvent) {
	now := e.now()

	e.mu.Lock()
	var fired []Notification
	for _, r := range e.rules {
		if !r.matches(ev) {
			continue
		}
		cd := r.Cooldown
		if cd <= 0 {
			cd = defaultCooldown
		}
		key := fmt.Sprintf("%s:%d", r.Name, ev.ContractID)
		if now.Sub(e.lastFire[key]) <= cd {
			continue
		}
		e.lastFire[key] = now
		fired = append(fired, Notification{Rule: r.Name, Event: ev, FiredAt: now})
	}
	e.history = append(e.history, fired...)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
	e.mu.Unlock()

	for _, n := range fired {
		slog.Info("notify: rule fired",
			"rule", n.Rule,
			"event", ev.Type,
			"contract_id", ev.ContractID,
		)
		go e.deliver(n)
	}
}

// Recent returns fired notifications, newest first.
func (e *Engine) Recent() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Notification, len(e.history))
	for i, n := range e.history {
		out[len(e.history)-1-i] = n
	}
	return out
}

// --- internal ---

// deliver sends one notification. Errors are logged but do not affect
// the caller.
func (e *Engine) deliver(n Notification) {
	if err := e.sender.Send(n); err != nil {
		slog.Error("notify: delivery failed", "rule", n.Rule, "err", err)
		return
	}
	slog.Debug("notify: delivered", "rule", n.Rule, "event", n.Event.Type)
}
