package naming

import (
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/model"
)

const legalAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 _-"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    string
		wantLog string
	}{
		{name: "legal text is unchanged", value: "Hello World_2024-01", want: "Hello World_2024-01"},
		{name: "punctuation dropped", value: "Re: [list] Hello, World!", want: "Re list Hello World"},
		{name: "path characters dropped", value: "../etc/passwd", want: "etcpasswd"},
		{name: "non-ascii dropped", value: "Grüße", want: "Gre"},
		{name: "pointer", value: model.String("a/b"), want: "ab"},
		{name: "empty", value: "", want: ""},
		{name: "integer", value: 123, want: UnknownSubject, wantLog: "Invalid filename"},
		{name: "nil pointer", value: (*string)(nil), want: UnknownSubject, wantLog: "Invalid filename"},
		{name: "nil", value: nil, want: UnknownSubject, wantLog: "Invalid filename"},
		{name: "encoded word", value: "=?utf-8?B?SGVsbG8=?=", want: InvalidSubject, wantLog: "Invalid subject"},
		{name: "encoded word later in text", value: "Re: =?utf-8?B?SGVsbG8=?=", want: "Re utf-8BSGVsbG8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec errlog.Recorder
			got := NewSanitizer(&rec).Sanitize(tt.value)
			assert.Equal(t, tt.want, got)
			if tt.wantLog == "" {
				assert.Empty(t, rec.Entries())
			} else {
				assert.Equal(t, []string{tt.wantLog}, rec.Messages())
			}
		})
	}
}

func TestSanitizeTruncates(t *testing.T) {
	var rec errlog.Recorder
	s := NewSanitizer(&rec)

	got := s.Sanitize(strings.Repeat("ab", 200))
	assert.Len(t, got, DefaultMaxLength)
	assert.Equal(t, []string{"Filename too long"}, rec.Messages())

	exact := strings.Repeat("x", DefaultMaxLength)
	assert.Equal(t, exact, NewSanitizer(&rec).Sanitize(exact))

	assert.Equal(t, "abcde", NewSanitizer(&rec, WithMaxLength(5)).Sanitize("abcdefgh"))
}

func TestSanitizeProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewSanitizer(&errlog.Recorder{})

	for i := 0; i < 300; i++ {
		// Arbitrary text never escapes the legal alphabet or the bound.
		raw := make([]rune, rng.Intn(400))
		for j := range raw {
			raw[j] = rune(rng.Intn(0x3000))
		}
		got := s.Sanitize(string(raw))
		assert.LessOrEqual(t, len(got), DefaultMaxLength)
		for _, c := range got {
			assert.True(t, strings.ContainsRune(legalAlphabet, c), "illegal rune %q in %q", c, got)
		}

		// Legal text within the bound is returned unchanged.
		legalText := make([]byte, rng.Intn(DefaultMaxLength+1))
		for j := range legalText {
			legalText[j] = legalAlphabet[rng.Intn(len(legalAlphabet))]
		}
		if strings.HasPrefix(string(legalText), "=?") {
			continue
		}
		assert.Equal(t, string(legalText), s.Sanitize(string(legalText)))
	}
}

func TestSubjectDecoding(t *testing.T) {
	encoded := model.String("=?utf-8?Q?Caf=C3=A9_Meeting?=")

	var rec errlog.Recorder
	assert.Equal(t, InvalidSubject, NewSanitizer(&rec).Subject(encoded))
	assert.Equal(t, "Caf Meeting", NewSanitizer(&rec, WithSubjectDecoding()).Subject(encoded))
	assert.Equal(t, UnknownSubject, NewSanitizer(&rec, WithSubjectDecoding()).Subject(nil))
}

func TestSenderLabel(t *testing.T) {
	tests := []struct {
		name    string
		from    *string
		want    string
		wantLog bool
	}{
		{name: "absent", from: nil, want: UnknownSender},
		{name: "blank", from: model.String("  "), want: UnknownSender},
		{name: "display name", from: model.String("Jane Doe <jane@x.com>"), want: "Jane Doe"},
		{name: "quoted display name", from: model.String(`"Doe, Jane" <jane@x.com>`), want: "Doe Jane"},
		{name: "bare address", from: model.String("jane@x.com"), want: "janexcom"},
		{name: "angle address only", from: model.String("<jane@x.com>"), want: "janexcom"},
		{name: "path hostile name", from: model.String(`"../../etc" <a@b.c>`), want: "etc"},
		{name: "encoded display name", from: model.String("=?utf-8?Q?J=C3=BCrgen_M?= <j@x.de>"), want: "Jrgen M"},
		{name: "bare local part", from: model.String("MAILER-DAEMON"), want: "MAILER-DAEMON"},
		{name: "bracketed local part", from: model.String("Mail Delivery System <MAILER-DAEMON>"), want: "Mail Delivery System"},
		{name: "unquoted specials", from: model.String("John [Sales] <j@x.com>"), want: "John Sales"},
		{name: "address list", from: model.String("Jane Doe <jane@x.com>, Bob <b@y.com>"), want: "Jane Doe"},
		{name: "missing brackets", from: model.String("Jane Doe jane@x.com"), want: "Jane Doe janexcom"},
		{name: "unterminated address", from: model.String("Jane Doe <jane@"), want: "Jane Doe"},
		{name: "quoted phrase broken address", from: model.String(`"Support Team" <@>`), want: "Support Team"},
		{name: "nothing legal left", from: model.String(`"äöü" <@>`), want: UnknownSender},
		{name: "empty brackets", from: model.String("<>"), want: SenderParseFailure, wantLog: true},
		{name: "empty phrase and brackets", from: model.String(`"" <>`), want: SenderParseFailure, wantLog: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec errlog.Recorder
			got := NewSanitizer(&rec).SenderLabel(tt.from)
			assert.Equal(t, tt.want, got)
			if tt.wantLog {
				assert.Equal(t, []string{"Error parsing sender name"}, rec.Messages())
			} else {
				assert.Empty(t, rec.Entries())
			}
		})
	}
}

func TestSenderLabelFallsBackWhenFilteredEmpty(t *testing.T) {
	var rec errlog.Recorder
	got := NewSanitizer(&rec).SenderLabel(model.String(`"äöü" <jane@x.com>`))
	assert.Equal(t, UnknownSender, got)
}

func TestFormatDate(t *testing.T) {
	tests := []struct {
		name    string
		date    *string
		want    string
		wantLog *errlog.Entry
	}{
		{name: "rfc 5322", date: model.String("Mon, 1 Jan 2024 10:00:00 +0000"), want: "2024-01-01 10-00-00"},
		{name: "keeps header zone", date: model.String("Tue, 2 Jan 2024 23:30:05 -0500"), want: "2024-01-02 23-30-05"},
		{name: "without weekday", date: model.String("5 Feb 2023 08:09:10 +0100"), want: "2023-02-05 08-09-10"},
		{name: "no zone", date: model.String("Mon, 1 Jan 2024 10:00:00"), want: "2024-01-01 10-00-00"},
		{name: "no zone no seconds", date: model.String("Mon,  1 Jan 2024 10:00"), want: "2024-01-01 10-00-00"},
		{name: "no zone no weekday", date: model.String("5 Feb 2023 08:09:10"), want: "2023-02-05 08-09-10"},
		{name: "absent", date: nil, want: UnknownDate, wantLog: &errlog.Entry{Message: "Failed to parse date", Details: "<absent>"}},
		{name: "garbage", date: model.String("yesterday"), want: UnknownDate, wantLog: &errlog.Entry{Message: "Failed to parse date", Details: "yesterday"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec errlog.Recorder
			assert.Equal(t, tt.want, NewSanitizer(&rec).FormatDate(tt.date))
			if tt.wantLog == nil {
				assert.Empty(t, rec.Entries())
			} else {
				assert.Equal(t, []errlog.Entry{*tt.wantLog}, rec.Entries())
			}
		})
	}
}

func TestIdentityAndLocation(t *testing.T) {
	msg := model.Message{
		From:    model.String("Jane Doe <jane@x.com>"),
		Subject: model.String("Hello World"),
		Date:    model.String("Mon, 1 Jan 2024 10:00:00 +0000"),
	}

	id := NewSanitizer(&errlog.Recorder{}).Identity(msg)
	assert.Equal(t, model.Identity{
		FormattedDate:    "2024-01-01 10-00-00",
		SenderLabel:      "Jane Doe",
		SanitizedSubject: "Hello World",
	}, id)

	loc := Locate("/out", id)
	assert.Equal(t, filepath.Join("/out", "Jane Doe"), loc.Dir)
	assert.Equal(t, "(2024-01-01 10-00-00) Jane Doe -- Hello World.md", loc.File)
	assert.Equal(t, filepath.Join("/out", "Jane Doe", "(2024-01-01 10-00-00) Jane Doe -- Hello World.md"), loc.Path())
}

func TestLocateFitsFileNameLimit(t *testing.T) {
	tests := []struct {
		name     string
		id       model.Identity
		wantFile string
	}{
		{
			name: "long subject",
			id: model.Identity{
				FormattedDate:    "2024-01-01 10-00-00",
				SenderLabel:      "Jane Doe",
				SanitizedSubject: strings.Repeat("x", DefaultMaxLength),
			},
			wantFile: "(2024-01-01 10-00-00) Jane Doe -- " + strings.Repeat("x", 218) + ".md",
		},
		{
			name: "long subject and sender",
			id: model.Identity{
				FormattedDate:    UnknownDate,
				SenderLabel:      strings.Repeat("s", DefaultMaxLength),
				SanitizedSubject: strings.Repeat("x", DefaultMaxLength),
			},
			wantFile: "(unknown_date) " + strings.Repeat("s", 233) + " -- .md",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := Locate("/out", tt.id)
			assert.Equal(t, tt.wantFile, loc.File)
			assert.Len(t, loc.File, MaxFileNameBytes)
			assert.Equal(t, filepath.Join("/out", tt.id.SenderLabel), loc.Dir)
		})
	}
}
