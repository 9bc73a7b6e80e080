// Package matchmaker groups queued parties into match candidates. All queue
// state belongs to a single writer goroutine; the exported methods submit
// requests to it and wait for the reply, so enqueue/cancel/claim races resolve
// in one place by arrival order.
package matchmaker

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownMode     = errors.New("unknown game mode")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrAlreadyMatched  = errors.New("ticket already claimed for a match")
	ErrAlreadyTerminal = errors.New("ticket already reached a terminal status")
	ErrStopped         = errors.New("matchmaker is not running")
)

// Status is a ticket's position in its lifecycle. Every ticket ends in
// exactly one of the terminal statuses.
type Status int

const (
	StatusQueued Status = iota
	StatusMatched
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusMatched:
		return "Matched"
	case StatusCancelled:
		return "Cancelled"
	case StatusExpired:
		return "Expired"
	}
	return "Unknown"
}

// Ticket is one party's standing request for a match.
type Ticket struct {
	ID          string
	PartyID     string
	Mode        string
	Members     []string
	Skill       float64
	SubmittedAt time.Time
	Status      Status

	// priority puts abort survivors at the front of the line.
	priority bool
}

// Config holds the matching-pass tuning knobs.
type Config struct {
	// PassInterval is how often the matching pass runs.
	PassInterval time.Duration
	// InitialRadius is the skill radius a fresh ticket will match within.
	InitialRadius float64
	// RadiusGrowth widens the radius by this much per second of waiting.
	RadiusGrowth float64
	// MaxRadius caps the widening.
	MaxRadius float64
	// MaxWait expires tickets that never matched.
	MaxWait time.Duration
}

// Matchmaker owns one queue per mode. modes maps a mode name to the player
// total a match of that mode requires.
type Matchmaker struct {
	logger *logrus.Logger
	config Config
	modes  map[string]int

	requests chan request
	done     chan struct{}

	// queues and tickets are owned by the writer goroutine. Exported methods
	// reach them only through closures executed there.
	queues  map[string][]*Ticket
	tickets map[string]*Ticket

	// OnMatch receives each formed candidate; the tickets are already
	// Matched by the time it runs. Called from the writer goroutine.
	OnMatch func(mode string, tickets []Ticket)
	// OnExpired receives each ticket that hit MaxWait.
	OnExpired func(ticket Ticket)
}

type request struct {
	execute func()
	done    chan struct{}
}

func New(logger *logrus.Logger, config Config, modes map[string]int) *Matchmaker {
	return &Matchmaker{
		logger:   logger,
		config:   config,
		modes:    modes,
		requests: make(chan request),
		done:     make(chan struct{}),
		queues:   make(map[string][]*Ticket),
		tickets:  make(map[string]*Ticket),
	}
}

// Start launches the writer goroutine. Stop ends it.
func (m *Matchmaker) Start() {
	go m.run()
}

func (m *Matchmaker) Stop() {
	close(m.done)
}

func (m *Matchmaker) run() {
	ticker := time.NewTicker(m.config.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case req := <-m.requests:
			req.execute()
			close(req.done)
		case <-ticker.C:
			m.pass(time.Now())
		}
	}
}

// submit runs fn on the writer goroutine and waits for it to finish.
func (m *Matchmaker) submit(fn func()) error {
	req := request{execute: fn, done: make(chan struct{})}
	select {
	case m.requests <- req:
	case <-m.done:
		return ErrStopped
	}
	<-req.done
	return nil
}

// EnqueueTicket submits a new ticket for the party. skill should be the
// party's average rating for the mode.
func (m *Matchmaker) EnqueueTicket(partyID, mode string, members []string, skill float64) (Ticket, error) {
	return m.enqueue(partyID, mode, members, skill, false)
}

// EnqueueWithPriority puts the ticket at the front of the line. Used to
// requeue the survivors of an aborted match.
func (m *Matchmaker) EnqueueWithPriority(partyID, mode string, members []string, skill float64) (Ticket, error) {
	return m.enqueue(partyID, mode, members, skill, true)
}

func (m *Matchmaker) enqueue(partyID, mode string, members []string, skill float64, priority bool) (Ticket, error) {
	var (
		result Ticket
		outErr error
	)
	err := m.submit(func() {
		if _, ok := m.modes[mode]; !ok {
			outErr = ErrUnknownMode
			return
		}
		t := &Ticket{
			ID:          uuid.New().String(),
			PartyID:     partyID,
			Mode:        mode,
			Members:     append([]string(nil), members...),
			Skill:       skill,
			SubmittedAt: time.Now(),
			Status:      StatusQueued,
			priority:    priority,
		}
		m.tickets[t.ID] = t
		m.queues[mode] = append(m.queues[mode], t)
		result = *t
		m.logger.Infof("[MATCHMAKER] ticket %s queued for %s (%d players, skill %.0f)",
			t.ID, mode, len(t.Members), skill)
	})
	if err != nil {
		return Ticket{}, err
	}
	return result, outErr
}

// CancelTicket withdraws a queued ticket. A ticket the matching pass already
// claimed cannot be cancelled.
func (m *Matchmaker) CancelTicket(ticketID string) (Ticket, error) {
	var (
		result Ticket
		outErr error
	)
	err := m.submit(func() {
		t, ok := m.tickets[ticketID]
		if !ok {
			outErr = ErrTicketNotFound
			return
		}
		switch t.Status {
		case StatusMatched:
			outErr = ErrAlreadyMatched
			return
		case StatusCancelled, StatusExpired:
			outErr = ErrAlreadyTerminal
			return
		}
		t.Status = StatusCancelled
		removeFromQueue(m.queues, t)
		result = *t
		m.logger.Infof("[MATCHMAKER] ticket %s cancelled", ticketID)
	})
	if err != nil {
		return Ticket{}, err
	}
	return result, outErr
}

// QueryStatus reports a ticket's current status.
func (m *Matchmaker) QueryStatus(ticketID string) (Ticket, error) {
	var (
		result Ticket
		outErr error
	)
	err := m.submit(func() {
		t, ok := m.tickets[ticketID]
		if !ok {
			outErr = ErrTicketNotFound
			return
		}
		result = *t
	})
	if err != nil {
		return Ticket{}, err
	}
	return result, outErr
}

// RunPass forces an immediate matching pass. Exposed for deterministic tests
// and for operators who do not want to wait out the pass interval.
func (m *Matchmaker) RunPass() error {
	return m.submit(func() {
		m.pass(time.Now())
	})
}

func (m *Matchmaker) pass(now time.Time) {
	for mode, queue := range m.queues {
		queue = m.expireTickets(queue, now)

		required := m.modes[mode]
		for {
			candidate := m.formCandidate(queue, required, now)
			if candidate == nil {
				break
			}
			formed := make([]Ticket, 0, len(candidate))
			for _, t := range candidate {
				t.Status = StatusMatched
				formed = append(formed, *t)
			}
			queue = removeTickets(queue, candidate)
			m.logger.Infof("[MATCHMAKER] formed %s candidate from %d tickets", mode, len(candidate))
			if m.OnMatch != nil {
				m.OnMatch(mode, formed)
			}
		}

		m.queues[mode] = queue
	}
}

func (m *Matchmaker) expireTickets(queue []*Ticket, now time.Time) []*Ticket {
	kept := queue[:0]
	for _, t := range queue {
		if now.Sub(t.SubmittedAt) >= m.config.MaxWait {
			t.Status = StatusExpired
			m.logger.Infof("[MATCHMAKER] ticket %s expired after %s", t.ID, m.config.MaxWait)
			if m.OnExpired != nil {
				m.OnExpired(*t)
			}
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// formCandidate searches the queue for the best set of tickets whose player
// counts sum to required and whose skills sit pairwise within each other's
// radii. Best means smallest maximum pairwise skill delta, ties broken by the
// earliest average submission time.
func (m *Matchmaker) formCandidate(queue []*Ticket, required int, now time.Time) []*Ticket {
	if required <= 0 || len(queue) == 0 {
		return nil
	}

	ordered := make([]*Ticket, len(queue))
	copy(ordered, queue)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority
		}
		return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
	})

	// Seeds are tried in line order so priority tickets and long waiters get
	// matched first; the tie-break only chooses among the seed's candidates.
	for seed := 0; seed < len(ordered); seed++ {
		var (
			best      []*Ticket
			bestDelta float64
			bestAvg   time.Time
		)

		var search func(start int, picked []*Ticket, size int)
		search = func(start int, picked []*Ticket, size int) {
			if size == required {
				delta := maxPairwiseDelta(picked)
				avg := averageSubmission(picked)
				if best == nil || delta < bestDelta || (delta == bestDelta && avg.Before(bestAvg)) {
					best = append([]*Ticket(nil), picked...)
					bestDelta = delta
					bestAvg = avg
				}
				return
			}
			for i := start; i < len(ordered); i++ {
				if i == seed {
					continue
				}
				t := ordered[i]
				if size+len(t.Members) > required {
					continue
				}
				if !compatible(picked, t, m.radius, now) {
					continue
				}
				search(i+1, append(picked, t), size+len(t.Members))
			}
		}

		first := ordered[seed]
		if len(first.Members) <= required {
			search(0, []*Ticket{first}, len(first.Members))
		}
		if best != nil {
			return best
		}
	}
	return nil
}

func (m *Matchmaker) radius(t *Ticket, now time.Time) float64 {
	waited := now.Sub(t.SubmittedAt).Seconds()
	r := m.config.InitialRadius + m.config.RadiusGrowth*waited
	if r > m.config.MaxRadius {
		return m.config.MaxRadius
	}
	return r
}

func compatible(picked []*Ticket, t *Ticket, radius func(*Ticket, time.Time) float64, now time.Time) bool {
	rt := radius(t, now)
	for _, p := range picked {
		delta := t.Skill - p.Skill
		if delta < 0 {
			delta = -delta
		}
		rp := radius(p, now)
		limit := rt
		if rp < limit {
			limit = rp
		}
		if delta > limit {
			return false
		}
	}
	return true
}

func maxPairwiseDelta(tickets []*Ticket) float64 {
	var max float64
	for i := 0; i < len(tickets); i++ {
		for j := i + 1; j < len(tickets); j++ {
			delta := tickets[i].Skill - tickets[j].Skill
			if delta < 0 {
				delta = -delta
			}
			if delta > max {
				max = delta
			}
		}
	}
	return max
}

func averageSubmission(tickets []*Ticket) time.Time {
	var total int64
	for _, t := range tickets {
		total += t.SubmittedAt.UnixNano()
	}
	return time.Unix(0, total/int64(len(tickets)))
}

func removeFromQueue(queues map[string][]*Ticket, t *Ticket) {
	queue := queues[t.Mode]
	for i, qt := range queue {
		if qt.ID == t.ID {
			queues[t.Mode] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

func removeTickets(queue []*Ticket, remove []*Ticket) []*Ticket {
	removed := make(map[string]struct{}, len(remove))
	for _, t := range remove {
		removed[t.ID] = struct{}{}
	}
	kept := queue[:0]
	for _, t := range queue {
		if _, ok := removed[t.ID]; !ok {
			kept = append(kept, t)
		}
	}
	return kept
}
