package schema

import (
	"strings"
	"unicode"

	"metra-client/internal/domain"
)

// State is a phase of the task-definition dialogue.
type State int

const (
	Gathering State = iota
	ProposedSchema
	Confirmed
)

func (s State) String() string {
	switch s {
	case ProposedSchema:
		return "proposed_schema"
	case Confirmed:
		return "confirmed"
	default:
		return "gathering"
	}
}

// EventKind drives Dialogue transitions.
type EventKind int

const (
	// SchemaProposed: an assistant message carrying a parsed schema was finalized.
	SchemaProposed EventKind = iota
	// UserAffirmed: the user answered a proposal affirmatively.
	UserAffirmed
	// Finalized: the client persisted the task definition or confirmed explicitly.
	Finalized
)

type Event struct {
	Kind   EventKind
	Schema domain.TaskSchema
}

// Dialogue is the task-definition state machine. Proposed holds the schema
// on offer (and, once confirmed, the accepted one).
type Dialogue struct {
	State    State
	Proposed domain.TaskSchema
}

// Apply returns the dialogue after ev. Confirmed is terminal.
func (d Dialogue) Apply(ev Event) Dialogue {
	if d.State == Confirmed {
		return d
	}
	switch ev.Kind {
	case SchemaProposed:
		if ev.Schema == nil {
			return d
		}
		return Dialogue{State: ProposedSchema, Proposed: ev.Schema}
	case UserAffirmed, Finalized:
		if d.State == ProposedSchema {
			return Dialogue{State: Confirmed, Proposed: d.Proposed}
		}
		if ev.Kind == Finalized && ev.Schema != nil {
			return Dialogue{State: Confirmed, Proposed: ev.Schema}
		}
	}
	return d
}

var affirmativeWords = map[string]bool{
	"yes":       true,
	"yep":       true,
	"yeah":      true,
	"y":         true,
	"confirm":   true,
	"confirmed": true,
	"correct":   true,
	"ok":        true,
	"okay":      true,
	"sure":      true,
	"approve":   true,
	"approved":  true,
	"lgtm":      true,
}

var affirmativePhrases = [][]string{
	{"looks", "good"},
	{"sounds", "good"},
	{"that's", "right"},
	{"go", "ahead"},
}

var negations = map[string]bool{
	"no":      true,
	"not":     true,
	"nope":    true,
	"don't":   true,
	"isn't":   true,
	"doesn't": true,
	"never":   true,
}

// IsAffirmation reports whether a user reply accepts a proposal. A reply
// opening with a negation ("no", "not correct") never counts, nor does one
// where a negation directly precedes the affirmative ("that's not correct").
// A later unrelated negation ("yes, no changes") does not veto.
func IsAffirmation(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(words) == 0 || negations[words[0]] {
		return false
	}
	affirmed := false
	for i, w := range words {
		if !affirmativeWords[w] && !startsPhrase(words[i:]) {
			continue
		}
		if i > 0 && negations[words[i-1]] {
			return false
		}
		affirmed = true
	}
	return affirmed
}

func startsPhrase(words []string) bool {
	for _, p := range affirmativePhrases {
		if len(words) < len(p) {
			continue
		}
		match := true
		for k := range p {
			if words[k] != p[k] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Replay recomputes the dialogue from a history. completed marks a
// conversation the backend already considers finished.
func Replay(messages []domain.Message, completed bool) Dialogue {
	var d Dialogue
	for _, m := range messages {
		switch m.Role {
		case domain.RoleAssistant:
			body := m.Body
			if !body.Structured() {
				body = Classify(m.Content)
			}
			if body.Structured() && body.ParseErr == nil {
				d = d.Apply(Event{Kind: SchemaProposed, Schema: body.Schema})
			}
		case domain.RoleUser:
			if d.State == ProposedSchema && IsAffirmation(m.Content) {
				d = d.Apply(Event{Kind: UserAffirmed})
			}
		}
	}
	if completed {
		d = d.Apply(Event{Kind: Finalized})
	}
	return d
}
