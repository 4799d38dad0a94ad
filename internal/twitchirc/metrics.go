package twitchirc

import (
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// counters track per-session line totals.
type counters struct {
	received atomic.Int64
	routed   atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

type Stats struct {
	Received int64 `json:"received"`
	Routed   int64 `json:"routed"`
	Sent     int64 `json:"sent"`
	Dropped  int64 `json:"dropped"`
}

func (s *Session) Stats() Stats {
	return Stats{
		Received: s.counters.received.Load(),
		Routed:   s.counters.routed.Load(),
		Sent:     s.counters.sent.Load(),
		Dropped:  s.counters.dropped.Load(),
	}
}

func (s *Session) routed(kind string) {
	s.counters.routed.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncChatMessage(kind)
	}
}

// drop records a message that was not routed to any handler.
func (s *Session) drop(reason string, msg twitch.Message) {
	s.counters.dropped.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncChatDropped(reason)
	}
	s.drops.note(time.Now(), reason, msg)
}
