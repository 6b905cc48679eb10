package energy

import (
	"log/slog"
	"sync"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
)

// State is where a rental subject is in its lifecycle.
type State int

const (
	Unrented State = iota
	Rented
	ExtendedRented
	Returned
)

func (s State) String() string {
	switch s {
	case Rented:
		return "rented"
	case ExtendedRented:
		return "extended"
	case Returned:
		return "returned"
	default:
		return "unrented"
	}
}

// RelayerSubject names the relayer's standing rental in the ledger.
const RelayerSubject = "relayer"

// ApprovalSubject names the transient rental made for an approval by owner.
func ApprovalSubject(owner string) string {
	return "approval:" + owner
}

func subjectKind(subject string) string {
	if subject == RelayerSubject {
		return RelayerSubject
	}
	return "approval"
}

var allowed = map[State][]State{
	Unrented:       {Rented},
	Rented:         {ExtendedRented, Returned},
	ExtendedRented: {ExtendedRented, Returned},
	Returned:       {Rented},
}

// Ledger tracks rental states in memory. It never blocks a chain call: an
// unexpected transition is logged and recorded anyway.
type Ledger struct {
	mu        sync.Mutex
	states    map[string]State
	chainName string
	logger    *slog.Logger
}

func NewLedger(chainName string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		states:    make(map[string]State),
		chainName: chainName,
		logger:    logger.With("component", "rental_ledger"),
	}
}

// State returns the recorded state of subject.
func (l *Ledger) State(subject string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[subject]
}

// Transition moves subject to next and reports whether the move was expected.
func (l *Ledger) Transition(subject string, next State) bool {
	l.mu.Lock()
	prev := l.states[subject]
	l.states[subject] = next
	l.mu.Unlock()

	ok := false
	for _, s := range allowed[prev] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		l.logger.Warn("unexpected rental transition",
			"subject", subject,
			"from", prev.String(),
			"to", next.String(),
		)
	}
	metrics.RentalTransitions.WithLabelValues(l.chainName, subjectKind(subject), next.String()).Inc()
	return ok
}

// Observe records a rental found on chain, such as one made before this
// process started.
func (l *Ledger) Observe(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.states[subject]; s == Unrented || s == Returned {
		l.states[subject] = Rented
	}
}
