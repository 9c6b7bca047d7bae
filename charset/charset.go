// Package charset turns raw MIME payloads into text. Declared charsets in
// real-world mail are often wrong or missing, so decoding walks an ordered
// list of candidates: the declared charset, strict UTF-8, then ISO-8859-1,
// which maps every byte and therefore always succeeds.
package charset

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/model"
)

// DefaultLabel is assumed when a part declares no charset.
const DefaultLabel = "utf-8"

var labelPattern = regexp.MustCompile(`[\w-]+`)

// aliases covers common labels that the IANA tables do not know.
var aliases = map[string]string{
	"utf8":    "utf-8",
	"utf_8":   "utf-8",
	"latin1":  "iso-8859-1",
	"latin-1": "iso-8859-1",
	"l1":      "iso-8859-1",
	"ascii":   "us-ascii",
	"cp1250":  "windows-1250",
	"cp1251":  "windows-1251",
	"cp1252":  "windows-1252",
	"cp1253":  "windows-1253",
	"cp1254":  "windows-1254",
	"cp1257":  "windows-1257",
}

var replacement = []byte(string(utf8.RuneError))

// decodeFunc reports ok=false when the bytes are not valid in its charset.
type decodeFunc func(raw []byte) (text string, ok bool)

type candidate struct {
	label  string
	decode decodeFunc
}

// Decoder decodes part payloads, reporting boundary failures to a sink.
type Decoder struct {
	sink errlog.Sink
}

func NewDecoder(sink errlog.Sink) *Decoder {
	return &Decoder{sink: sink}
}

// Normalize reduces a declared charset parameter to its first run of word
// characters and hyphens, which drops trailing garbage such as quotes or
// stray parameters. Labels with no such run are returned unchanged.
func Normalize(declared string) string {
	if declared == "" {
		return DefaultLabel
	}
	if m := labelPattern.FindString(declared); m != "" {
		return m
	}
	return declared
}

// Decode returns the text of a part. It never fails; an absent payload yields
// an empty string and an error log entry.
func (d *Decoder) Decode(part model.Part) string {
	label := Normalize(part.Charset)
	if part.Body == nil {
		d.sink.Log("Failed to decode payload", "charset: "+label)
		return ""
	}

	for _, c := range d.chain(label) {
		if text, ok := c.decode(part.Body); ok {
			return text
		}
	}

	d.sink.Log("Failed to decode payload", "charset: "+label)
	return ""
}

func (d *Decoder) chain(label string) []candidate {
	chain := make([]candidate, 0, 3)
	if fn, ok := lookup(label); ok {
		chain = append(chain, candidate{label: label, decode: fn})
	} else {
		d.sink.Log("Unknown encoding", label)
	}
	return append(chain,
		candidate{label: "utf-8", decode: decodeUTF8},
		candidate{label: "iso-8859-1", decode: decodeLatin1},
	)
}

func lookup(label string) (decodeFunc, bool) {
	name := canonical(label)
	switch name {
	case "utf-8":
		return decodeUTF8, true
	case "us-ascii":
		return decodeASCII, true
	}

	enc, err := encodingFor(name)
	if err != nil {
		return nil, false
	}
	return strict(enc), true
}

func canonical(label string) string {
	name := strings.ToLower(strings.TrimSpace(label))
	if alias, ok := aliases[name]; ok {
		return alias
	}
	return name
}

func encodingFor(name string) (encoding.Encoding, error) {
	for _, candidate := range []string{name, strings.ReplaceAll(name, "_", "-")} {
		enc, _ := ianaindex.MIME.Encoding(candidate)
		if enc == nil {
			enc, _ = ianaindex.IANA.Encoding(candidate)
		}
		if enc != nil {
			return enc, nil
		}
	}
	return nil, fmt.Errorf("unknown charset %q", name)
}

// strict wraps an x/text encoding, whose decoders substitute U+FFFD for
// invalid input, so that substitutions count as a decode failure.
func strict(enc encoding.Encoding) decodeFunc {
	return func(raw []byte) (string, bool) {
		out, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return "", false
		}
		if bytes.Contains(out, replacement) && !bytes.Contains(raw, replacement) {
			return "", false
		}
		return string(out), true
	}
}

func decodeUTF8(raw []byte) (string, bool) {
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

func decodeASCII(raw []byte) (string, bool) {
	for _, b := range raw {
		if b >= utf8.RuneSelf {
			return "", false
		}
	}
	return string(raw), true
}

func decodeLatin1(raw []byte) (string, bool) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// Reader converts input in the named charset to UTF-8. It has the signature
// expected by mime.WordDecoder.CharsetReader.
func Reader(label string, input io.Reader) (io.Reader, error) {
	name := canonical(Normalize(label))
	if name == "utf-8" || name == "us-ascii" {
		return input, nil
	}
	enc, err := encodingFor(name)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// WordDecoder returns an RFC 2047 decoder that understands every charset
// known to Reader.
func WordDecoder() *mime.WordDecoder {
	return &mime.WordDecoder{CharsetReader: Reader}
}
