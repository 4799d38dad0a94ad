package twitchirc

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Drop reasons, also used as the chat_dropped_total label.
const (
	dropBeforeCap      = "before_cap"
	dropLateCap        = "late_cap"
	dropUnknownChannel = "unknown_channel"
	dropProtocol       = "protocol"
	dropUnhandled      = "unhandled"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

// dropped is what the logger keeps of a message nobody routed.
type dropped struct {
	command string
	channel string
	sample  string
}

// describe reads the command, channel and a short sample from a parsed
// message.
func describe(msg twitch.Message) dropped {
	var d dropped
	switch m := msg.(type) {
	case *twitch.PrivateMessage:
		d = dropped{command: m.RawType, channel: m.Channel, sample: m.Message}
	case *twitch.UserStateMessage:
		d = dropped{command: m.RawType, channel: m.Channel}
	case *twitch.RoomStateMessage:
		d = dropped{command: m.RawType, channel: m.Channel}
	case *twitch.GlobalUserStateMessage:
		d = dropped{command: m.RawType, sample: m.Tags["user-id"]}
	case *twitch.UserNoticeMessage:
		d = dropped{command: m.RawType, channel: m.Channel, sample: "msg-id=" + m.MsgID}
	case *twitch.NoticeMessage:
		d = dropped{command: m.RawType, channel: m.Channel, sample: m.Message}
	case *twitch.UserJoinMessage:
		d = dropped{command: m.RawType, channel: m.Channel, sample: m.User}
	case *twitch.UserPartMessage:
		d = dropped{command: m.RawType, channel: m.Channel, sample: m.User}
	case *twitch.RawMessage:
		d = dropped{command: m.RawType, sample: m.Message}
	}
	if d.command == "" {
		d.command = "UNKNOWN"
	}
	d.channel = strings.ToLower(strings.TrimPrefix(d.channel, "#"))
	d.sample = sanitizeAndTruncate(d.sample, dropSampleMaxLen)
	return d
}

type dropCounts struct {
	total    int
	commands map[string]int
	channels map[string]int
	sample   dropped
}

// dropLogger counts unrouted messages per reason and logs one line per
// reason every interval. Only the read loop calls it.
type dropLogger struct {
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropCounts
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropCounts),
	}
}

func (d *dropLogger) note(now time.Time, reason string, msg twitch.Message) {
	if d == nil {
		return
	}
	m := describe(msg)
	if d.verbose {
		slog.Debug("twitchirc: dropped message", "reason", reason, "command", m.command, "channel", m.channel, "sample", m.sample)
	}

	c := d.reasons[reason]
	if c == nil {
		c = &dropCounts{commands: make(map[string]int), channels: make(map[string]int), sample: m}
		d.reasons[reason] = c
	}
	c.total++
	c.commands[m.command]++
	if m.channel != "" {
		c.channels[m.channel]++
	}

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	for _, reason := range sortedKeys(d.reasons) {
		c := d.reasons[reason]
		args := []any{
			"reason", reason,
			"total", c.total,
			"commands", formatCounts(c.commands),
			"sample", c.sample.command + " " + c.sample.sample,
		}
		if len(c.channels) > 0 {
			args = append(args, "channels", formatCounts(c.channels))
		}
		slog.Info("twitchirc: dropped messages", args...)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

// sanitizeAndTruncate flattens s to one line, redacts anything that looks
// like a credential and caps it at max bytes.
func sanitizeAndTruncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if upper := strings.ToUpper(s); upper == "PASS" || strings.HasPrefix(upper, "PASS ") {
		return "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, k := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
