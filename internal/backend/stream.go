package backend

import (
	"context"
	"io"
)

// Stream yields cumulative response text. Every value returned by Recv
// contains all text returned before it. Recv returns io.EOF once the
// backend signals completion.
type Stream interface {
	Recv() (string, error)
	// Close aborts the exchange without waiting for further output.
	Close() error
}

type streamEvent struct {
	text string
	err  error
}

type channelStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events <-chan streamEvent
}

func newChannelStream(ctx context.Context, run func(context.Context, func(string) bool) error) *channelStream {
	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan streamEvent, 16)
	emit := func(text string) bool {
		select {
		case ch <- streamEvent{text: text}:
			return true
		case <-streamCtx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		if err := run(streamCtx, emit); err != nil {
			select {
			case ch <- streamEvent{err: err}:
			case <-streamCtx.Done():
			}
		}
	}()
	return &channelStream{ctx: streamCtx, cancel: cancel, events: ch}
}

func (s *channelStream) Recv() (string, error) {
	// Drain anything buffered before looking at ctx so the final chunk is not lost.
	select {
	case ev, ok := <-s.events:
		return s.unpack(ev, ok)
	default:
	}

	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case ev, ok := <-s.events:
		return s.unpack(ev, ok)
	}
}

func (s *channelStream) unpack(ev streamEvent, ok bool) (string, error) {
	if !ok {
		if err := s.ctx.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	if ev.err != nil {
		return "", ev.err
	}
	return ev.text, nil
}

func (s *channelStream) Close() error {
	s.cancel()
	return nil
}
