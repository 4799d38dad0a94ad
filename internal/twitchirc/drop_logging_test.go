package twitchirc

import (
	"strings"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		command string
		channel string
		sample  string
	}{
		{
			name:    "userstate for a channel never joined",
			raw:     "@badges=;display-name=bot :tmi.twitch.tv USERSTATE #Chan",
			command: "USERSTATE",
			channel: "chan",
		},
		{
			name:    "late capability reply",
			raw:     ":tmi.twitch.tv CAP * ACK :twitch.tv/tags",
			command: "CAP",
			sample:  "* ACK twitch.tv/tags",
		},
		{
			name:    "privmsg without room id",
			raw:     "@id=abc :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #chan :hello there",
			command: "PRIVMSG",
			channel: "chan",
			sample:  "hello there",
		},
		{
			name:    "usernotice keeps msg-id",
			raw:     "@msg-id=resub;room-id=1 :tmi.twitch.tv USERNOTICE #chan :great stream",
			command: "USERNOTICE",
			channel: "chan",
			sample:  "msg-id=resub",
		},
		{
			name:    "part from unknown channel",
			raw:     ":viewer!viewer@viewer.tmi.twitch.tv PART #gone",
			command: "PART",
			channel: "gone",
			sample:  "viewer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describe(twitch.ParseMessage(tt.raw))
			if got.command != tt.command {
				t.Fatalf("command: want %q got %q", tt.command, got.command)
			}
			if got.channel != tt.channel {
				t.Fatalf("channel: want %q got %q", tt.channel, got.channel)
			}
			if got.sample != tt.sample {
				t.Fatalf("sample: want %q got %q", tt.sample, got.sample)
			}
		})
	}
}

func TestDropLoggerGroupsByReason(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newDropLogger(start, false, time.Minute)

	d.note(start, dropUnknownChannel, twitch.ParseMessage(":tmi.twitch.tv USERSTATE #a"))
	d.note(start, dropUnknownChannel, twitch.ParseMessage(":tmi.twitch.tv USERSTATE #a"))
	d.note(start, dropUnknownChannel, twitch.ParseMessage(":viewer!viewer@viewer.tmi.twitch.tv PART #b"))
	d.note(start, dropLateCap, twitch.ParseMessage(":tmi.twitch.tv CAP * ACK :twitch.tv/tags"))
	d.note(start, dropProtocol, twitch.ParseMessage("@id=x :v!v@v.tmi.twitch.tv PRIVMSG #c :hi"))

	unknown := d.reasons[dropUnknownChannel]
	if unknown == nil || unknown.total != 3 {
		t.Fatalf("unknown_channel: %+v", unknown)
	}
	if unknown.commands["USERSTATE"] != 2 || unknown.commands["PART"] != 1 {
		t.Fatalf("commands: %v", unknown.commands)
	}
	if unknown.channels["a"] != 2 || unknown.channels["b"] != 1 {
		t.Fatalf("channels: %v", unknown.channels)
	}
	if unknown.sample.command != "USERSTATE" {
		t.Fatalf("the first message is kept as sample, got %+v", unknown.sample)
	}
	if late := d.reasons[dropLateCap]; late == nil || late.total != 1 || len(late.channels) != 0 {
		t.Fatalf("late_cap: %+v", late)
	}
	if p := d.reasons[dropProtocol]; p == nil || p.commands["PRIVMSG"] != 1 {
		t.Fatalf("protocol: %+v", p)
	}
}

func TestDropLoggerFlushesOnInterval(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newDropLogger(start, false, time.Minute)
	msg := twitch.ParseMessage(":tmi.twitch.tv USERSTATE #a")

	d.note(start.Add(30*time.Second), dropUnknownChannel, msg)
	if len(d.reasons) != 1 {
		t.Fatal("drops before the interval should accumulate")
	}
	d.note(start.Add(time.Minute), dropUnknownChannel, msg)
	if len(d.reasons) != 0 {
		t.Fatal("reaching the interval should flush")
	}
	if want := start.Add(2 * time.Minute); !d.nextEmit.Equal(want) {
		t.Fatalf("next emit: want %v got %v", want, d.nextEmit)
	}

	var nilLogger *dropLogger
	nilLogger.note(start, dropProtocol, msg)
	nilLogger.flush(start)
}

func TestSanitizeAndTruncateRedactsCredentials(t *testing.T) {
	got := sanitizeAndTruncate("token oauth:abcdefghijklmnopqrstuvwxyz123456 and QWxhZGRpbjpPcGVuU2VzYW1lMTIzNDU2Nzg5MA==", 300)
	if strings.Contains(got, "abcdefghijkl") || strings.Contains(got, "QWxhZGRp") {
		t.Fatalf("secrets leaked: %q", got)
	}
	if !strings.Contains(got, "oauth:[REDACTED]") {
		t.Fatalf("missing oauth marker: %q", got)
	}
	if got := sanitizeAndTruncate("PASS oauth:whatever", 200); got != "PASS [REDACTED]" {
		t.Fatalf("PASS line: %q", got)
	}
	if got := sanitizeAndTruncate("a\r\nb   c", 200); got != "a b c" {
		t.Fatalf("whitespace: %q", got)
	}
	if got := sanitizeAndTruncate(strings.Repeat("ab ", 50), 10); got != "ab ab a..." {
		t.Fatalf("truncate: %q", got)
	}
}
