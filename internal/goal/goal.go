// Package goal tracks streamed-hours goals per channel and answers the
// !goal chat command with progress computed from archived broadcasts.
package goal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/twitch-bot/internal/command"
	"github.com/you/twitch-bot/internal/helix"
	"github.com/you/twitch-bot/internal/twitch"
)

// ErrNoGoal is returned for a channel without a configured goal.
var ErrNoGoal = errors.New("goal: channel has no time streamed goal")

const (
	NoGoalReply     = "This channel has no time streamed goal."
	defaultInterval = 5 * time.Minute
)

// Templates are the chat replies. Placeholders: {total}, {target},
// {remaining}.
type Templates struct {
	Future    string `json:"future"`
	Month     string `json:"month"`
	Day       string `json:"day"`
	Completed string `json:"completed"`
	Announce  string `json:"announce"`
}

var DefaultTemplates = Templates{
	Future:    "My goal is to stream for at least {target} hours! Stay tuned for updates!",
	Month:     "I have streamed {total} so far. I'm trying to stream for at least {target} hours, lets see how far we get!",
	Day:       "I have streamed {total} so far. I'm trying to stream for at least {target} hours, lets see how far we get! I've got another {remaining} left to stream today.",
	Completed: "I have streamed {total} so far. I've hit my goal of {target} hours, thank you all!",
	Announce:  "I have reached my goal of streaming for {target} hours!",
}

type Goal struct {
	ChannelID        string    `json:"channel_id"`
	TargetHours      int       `json:"target_hours"`
	DailyTargetHours int       `json:"daily_target_hours"`
	Start            time.Time `json:"start"`
	Messages         Templates `json:"messages"`
}

func (g Goal) validate() error {
	if strings.TrimSpace(g.ChannelID) == "" {
		return errors.New("goal: channel_id is required")
	}
	if g.TargetHours <= 0 {
		return fmt.Errorf("goal: channel %s: target_hours must be positive", g.ChannelID)
	}
	if g.DailyTargetHours < 0 {
		return fmt.Errorf("goal: channel %s: daily_target_hours must not be negative", g.ChannelID)
	}
	if g.Start.IsZero() {
		return fmt.Errorf("goal: channel %s: start is required", g.ChannelID)
	}
	return nil
}

func (g Goal) withDefaults() Goal {
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&g.Messages.Future, DefaultTemplates.Future)
	fill(&g.Messages.Month, DefaultTemplates.Month)
	fill(&g.Messages.Day, DefaultTemplates.Day)
	fill(&g.Messages.Completed, DefaultTemplates.Completed)
	fill(&g.Messages.Announce, DefaultTemplates.Announce)
	return g
}

// LoadFile reads a JSON array of goals. A missing file yields no goals.
func LoadFile(path string) ([]Goal, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("goal: read %s: %w", path, err)
	}
	var goals []Goal
	if err := json.Unmarshal(data, &goals); err != nil {
		return nil, fmt.Errorf("goal: parse %s: %w", path, err)
	}
	for _, g := range goals {
		if err := g.validate(); err != nil {
			return nil, err
		}
	}
	return goals, nil
}

// Videos lists a channel's archived broadcasts; *helix.Client satisfies it.
type Videos interface {
	GetArchiveVideos(ctx context.Context, role twitch.Role, userID string, since time.Time) ([]helix.Video, error)
}

type Tracker struct {
	videos Videos
	clock  clockwork.Clock
	role   twitch.Role

	mu    sync.RWMutex
	goals map[string]Goal
}

func NewTracker(videos Videos, clock clockwork.Clock, goals ...Goal) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Tracker{videos: videos, clock: clock, role: twitch.RoleBot, goals: make(map[string]Goal)}
	for _, g := range goals {
		t.Set(g)
	}
	return t
}

func (t *Tracker) Set(g Goal) {
	t.mu.Lock()
	t.goals[g.ChannelID] = g.withDefaults()
	t.mu.Unlock()
}

func (t *Tracker) Goal(channelID string) (Goal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.goals[channelID]
	if !ok {
		return Goal{}, fmt.Errorf("%w: %s", ErrNoGoal, channelID)
	}
	return g, nil
}

type Progress struct {
	Goal           Goal
	Total          time.Duration
	Today          time.Duration
	TodayRemaining time.Duration
}

func (p Progress) Completed() bool {
	return p.Total >= time.Duration(p.Goal.TargetHours)*time.Hour
}

func (t *Tracker) Progress(ctx context.Context, channelID string) (Progress, error) {
	g, err := t.Goal(channelID)
	if err != nil {
		return Progress{}, err
	}
	videos, err := t.videos.GetArchiveVideos(ctx, t.role, channelID, g.Start)
	if err != nil {
		return Progress{}, fmt.Errorf("goal: fetch videos for %s: %w", channelID, err)
	}
	now := t.clock.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	p := Progress{
		Goal:  g,
		Total: Streamed(videos, g.Start, time.Time{}),
		Today: Streamed(videos, dayStart, dayStart.Add(24*time.Hour)),
	}
	p.TodayRemaining = time.Duration(g.DailyTargetHours)*time.Hour - p.Today
	return p, nil
}

// Reply builds the chat response for a channel's goal.
func (t *Tracker) Reply(ctx context.Context, channelID string) (string, error) {
	g, err := t.Goal(channelID)
	if err != nil {
		return "", err
	}
	if t.clock.Now().Before(g.Start) {
		return render(g.Messages.Future, g, 0, 0), nil
	}
	p, err := t.Progress(ctx, channelID)
	if err != nil {
		return "", err
	}
	switch {
	case p.Completed():
		return render(g.Messages.Completed, g, p.Total, 0), nil
	case p.TodayRemaining > 0:
		return render(g.Messages.Day, g, p.Total, p.TodayRemaining), nil
	default:
		return render(g.Messages.Month, g, p.Total, 0), nil
	}
}

// Handler answers the goal command in the invoking channel.
func (t *Tracker) Handler() command.Handler {
	return func(ctx context.Context, inv *command.Invocation) error {
		text, err := t.Reply(ctx, inv.Channel.ID)
		if errors.Is(err, ErrNoGoal) {
			slog.Warn("goal: no goal for channel", "channel", inv.Channel.Name, "channel_id", inv.Channel.ID)
			return inv.Reply(ctx, NoGoalReply)
		}
		if err != nil {
			return err
		}
		return inv.Reply(ctx, text)
	}
}

// Announce sends the completion message when the goal is reached and reports
// whether it did.
func (t *Tracker) Announce(ctx context.Context, channelID string, send func(context.Context, string) error) (bool, error) {
	p, err := t.Progress(ctx, channelID)
	if err != nil {
		return false, err
	}
	if !p.Completed() {
		return false, nil
	}
	if err := send(ctx, render(p.Goal.Messages.Announce, p.Goal, p.Total, 0)); err != nil {
		return false, err
	}
	return true, nil
}

// WatchCompletion checks the goal every interval until it is announced or ctx
// ends. Check failures are logged and retried on the next tick.
func (t *Tracker) WatchCompletion(ctx context.Context, channelID string, interval time.Duration, send func(context.Context, string) error) error {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		done, err := t.Announce(ctx, channelID, send)
		if err != nil {
			if errors.Is(err, ErrNoGoal) {
				return err
			}
			slog.Warn("goal: completion check failed", "channel_id", channelID, "err", err)
			continue
		}
		if done {
			slog.Info("goal: completion announced", "channel_id", channelID)
			return nil
		}
	}
}

// Streamed totals the archived time overlapping [from, to). A zero to is
// unbounded.
func Streamed(videos []helix.Video, from, to time.Time) time.Duration {
	var total time.Duration
	for _, v := range videos {
		start := v.CreatedAt
		end := start.Add(v.Length())
		if !end.After(from) {
			continue
		}
		if !to.IsZero() && !start.Before(to) {
			continue
		}
		if start.Before(from) {
			start = from
		}
		if !to.IsZero() && end.After(to) {
			end = to
		}
		total += end.Sub(start)
	}
	return total
}

// FormatDuration renders d as "5 hours, 30 minutes, 15 seconds", omitting
// zero hours and minutes.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int(d%time.Hour) / int(time.Minute)
	seconds := int(d%time.Minute) / int(time.Second)

	var parts []string
	if hours > 0 {
		parts = append(parts, strconv.Itoa(hours)+" hours")
	}
	if minutes > 0 {
		parts = append(parts, strconv.Itoa(minutes)+" minutes")
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, strconv.Itoa(seconds)+" seconds")
	}
	return strings.Join(parts, ", ")
}

func render(tmpl string, g Goal, total, remaining time.Duration) string {
	return strings.NewReplacer(
		"{total}", FormatDuration(total),
		"{target}", strconv.Itoa(g.TargetHours),
		"{remaining}", FormatDuration(remaining),
	).Replace(tmpl)
}
