// Package announce turns ticket calls into spoken announcements. Calls are
// queued and spoken by a background worker, so a slow or missing speech
// backend never delays the caller.
package announce

import (
	"context"
	"strings"
	"unicode"
)

type Announcement struct {
	TenantID   string
	TicketCode string
	Label      string
}

type Announcer interface {
	Announce(ctx context.Context, a Announcement)
}

var digitWords = map[rune]string{
	'0': "zero", '1': "um", '2': "dois", '3': "três", '4': "quatro",
	'5': "cinco", '6': "seis", '7': "sete", '8': "oito", '9': "nove",
}

// Text renders the sentence spoken for a call, with each digit of the
// ticket code read out: "Senha A zero zero sete, Guichê 01."
func Text(ticketCode, label string) string {
	var parts []string
	for _, r := range strings.ToUpper(ticketCode) {
		switch {
		case unicode.IsDigit(r):
			if word, ok := digitWords[r]; ok {
				parts = append(parts, word)
			}
		case unicode.IsLetter(r):
			parts = append(parts, string(r))
		}
	}
	spoken := strings.Join(parts, " ")
	if spoken == "" {
		spoken = ticketCode
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return "Senha " + spoken + "."
	}
	return "Senha " + spoken + ", " + label + "."
}

// Label picks what follows the ticket code: the service name when there is
// one, otherwise the counter.
func Label(serviceName, counterName string) string {
	if name := strings.TrimSpace(serviceName); name != "" {
		return name
	}
	return strings.TrimSpace(counterName)
}

// Nop discards announcements.
type Nop struct{}

func (Nop) Announce(context.Context, Announcement) {}
