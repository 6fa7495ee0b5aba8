package session

import (
	"encoding/binary"
	"sync"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/google/uuid"
)

// NewClientID returns a random, non-zero client id.
func NewClientID() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:]); id != 0 {
			return id
		}
	}
}

// Sequencer numbers the requests of one client and tracks its acknowledgement
// watermark: every request id below the oldest unfinished one is done and
// will never be retried, so replicas may forget its result.
//
// Sequencer is safe for concurrent use.
type Sequencer struct {
	clientID uint64

	mu       sync.Mutex
	next     uint64
	inflight map[uint64]struct{}
}

func NewSequencer(clientID uint64) *Sequencer {
	return &Sequencer{
		clientID: clientID,
		next:     1,
		inflight: make(map[uint64]struct{}),
	}
}

// ClientID returns the id all requests of this sequencer carry.
func (s *Sequencer) ClientID() uint64 {
	return s.clientID
}

// Next creates a request for command with a fresh request id. The request
// stays unfinished until Done is called with its id.
func (s *Sequencer) Next(command []byte) smr.ClientRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	s.inflight[id] = struct{}{}

	return smr.ClientRequest{
		ClientID:  s.clientID,
		RequestID: id,
		AckedUpTo: s.ackedLocked(),
		Command:   command,
	}
}

// Retry refreshes the watermark of a request that is sent again.
func (s *Sequencer) Retry(req smr.ClientRequest) smr.ClientRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.AckedUpTo = s.ackedLocked()
	return req
}

// Done marks a request as finished; it will not be retried anymore.
func (s *Sequencer) Done(requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, requestID)
}

// Acked returns the current watermark.
func (s *Sequencer) Acked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedLocked()
}

func (s *Sequencer) ackedLocked() uint64 {
	oldest := s.next
	for id := range s.inflight {
		if id < oldest {
			oldest = id
		}
	}
	return oldest - 1
}
