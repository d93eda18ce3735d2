package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/medtrail/medtrail/internal/ledger"
)

// Sequencer hands out per-identity sequence numbers one at a time. Writers
// for the same identity queue in strict FIFO order; a number is only
// consumed when its lease is confirmed, so a pre-broadcast failure returns
// the number to the next waiter. Identities are independent.
type Sequencer struct {
	ledger ledger.Client

	mu         sync.Mutex
	identities map[string]*identityState
}

type identityState struct {
	next    uint64
	synced  bool
	busy    bool
	waiters []chan struct{}
}

// Lease is one outstanding sequence number. Exactly one of Confirm,
// Release, or Abandon must be called; extra calls are no-ops.
type Lease struct {
	Identity string
	Sequence uint64

	seq     *Sequencer
	state   *identityState
	settled bool
}

func NewSequencer(client ledger.Client) *Sequencer {
	return &Sequencer{
		ledger:     client,
		identities: make(map[string]*identityState),
	}
}

// Acquire blocks until the identity's slot is free, then returns a lease on
// the next sequence number. The first acquisition for an identity syncs the
// counter from the ledger.
func (s *Sequencer) Acquire(ctx context.Context, identity string) (*Lease, error) {
	s.mu.Lock()
	st, ok := s.identities[identity]
	if !ok {
		st = &identityState{}
		s.identities[identity] = st
	}

	if st.busy {
		ch := make(chan struct{}, 1)
		st.waiters = append(st.waiters, ch)
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			s.mu.Lock()
			select {
			case <-ch:
				// The slot was handed to us while cancelling; pass it on.
				s.handoffLocked(st)
			default:
				s.removeWaiterLocked(st, ch)
			}
			s.mu.Unlock()
			return nil, ctx.Err()
		}
	} else {
		st.busy = true
		s.mu.Unlock()
	}

	if err := s.syncIfNeeded(ctx, identity, st); err != nil {
		s.mu.Lock()
		s.handoffLocked(st)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	sequence := st.next
	s.mu.Unlock()

	return &Lease{
		Identity: identity,
		Sequence: sequence,
		seq:      s,
		state:    st,
	}, nil
}

func (s *Sequencer) syncIfNeeded(ctx context.Context, identity string, st *identityState) error {
	s.mu.Lock()
	synced := st.synced
	s.mu.Unlock()
	if synced {
		return nil
	}

	current, err := s.ledger.SequenceNumber(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to sync sequence number for %s: %w", identity, err)
	}

	s.mu.Lock()
	st.next = current
	st.synced = true
	s.mu.Unlock()
	return nil
}

// handoffLocked passes the slot to the oldest waiter, or marks it free.
func (s *Sequencer) handoffLocked(st *identityState) {
	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		next <- struct{}{}
		return
	}
	st.busy = false
}

func (s *Sequencer) removeWaiterLocked(st *identityState, ch chan struct{}) {
	for i, w := range st.waiters {
		if w == ch {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// Confirm consumes the sequence number. Call after the ledger has accepted
// the broadcast: the counter advances even though confirmation may still be
// pending, because the number is committed on the ledger's side.
func (l *Lease) Confirm() {
	l.seq.mu.Lock()
	defer l.seq.mu.Unlock()

	if l.settled {
		return
	}
	l.settled = true
	l.state.next = l.Sequence + 1
	l.seq.handoffLocked(l.state)
}

// Abandon settles the lease without deciding the number's fate. Call when
// the broadcast outcome is unknown: the number can be neither safely
// reused nor safely skipped, so the counter is resynced from the ledger on
// the next acquisition and the ledger's view wins.
func (l *Lease) Abandon() {
	l.seq.mu.Lock()
	defer l.seq.mu.Unlock()

	if l.settled {
		return
	}
	l.settled = true
	l.state.synced = false
	l.seq.handoffLocked(l.state)
}

// Release returns the number unused, for reuse by the next waiter. Call
// when the transaction never reached the ledger.
func (l *Lease) Release() {
	l.seq.mu.Lock()
	defer l.seq.mu.Unlock()

	if l.settled {
		return
	}
	l.settled = true
	l.seq.handoffLocked(l.state)
}
