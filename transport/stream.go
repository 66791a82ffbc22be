package transport

import "sync"

// ReplyBuffer bounds the replies buffered per query; further replies are dropped.
const ReplyBuffer = 16

// ReplyStream is the receiving end of one query, shared by the bindings. Send never
// blocks, and sends after Finish report ErrQueryFinished.
type ReplyStream struct {
	mu       sync.Mutex
	replies  chan Reply
	finished bool
}

func NewReplyStream() *ReplyStream {
	return &ReplyStream{replies: make(chan Reply, ReplyBuffer)}
}

// C returns the channel handed to the querier. It is closed by Finish.
func (s *ReplyStream) C() <-chan Reply {
	return s.replies
}

func (s *ReplyStream) Send(r Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrQueryFinished
	}
	select {
	case s.replies <- r:
	default:
	}
	return nil
}

// Finish closes the stream. It is safe to call more than once.
func (s *ReplyStream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		close(s.replies)
	}
}

// Finished reports whether Finish was called.
func (s *ReplyStream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
