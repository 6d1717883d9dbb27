package channels

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestDisplayNameFor(t *testing.T) {
	cases := []struct {
		name string
		msg  *tgbotapi.Message
		want string
	}{
		{
			name: "username preferred",
			msg:  &tgbotapi.Message{From: &tgbotapi.User{UserName: "alice_b", FirstName: "Alice"}},
			want: "alice_b",
		},
		{
			name: "first name fallback",
			msg:  &tgbotapi.Message{From: &tgbotapi.User{FirstName: "Alice"}},
			want: "Alice",
		},
		{
			name: "no sender",
			msg:  &tgbotapi.Message{},
			want: "unknown",
		},
		{
			name: "empty sender fields",
			msg:  &tgbotapi.Message{From: &tgbotapi.User{}},
			want: "unknown",
		},
	}
	for _, tc := range cases {
		if got := displayNameFor(tc.msg); got != tc.want {
			t.Fatalf("%s: displayNameFor = %q, want %q", tc.name, got, tc.want)
		}
	}
}
