// Package fudi implements the FUDI message format spoken by Pure-Data's
// netsend/netreceive objects: whitespace separated atoms, each message
// terminated by a semicolon.
package fudi

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Message is one FUDI message split into atoms
type Message []string

// ID returns the first atom, the patch instance id ($0) by convention
func (m Message) ID() string {
	if len(m) == 0 {
		return ""
	}
	return m[0]
}

// Verb returns the second atom, used to route the message
func (m Message) Verb() string {
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Args returns the atoms after the verb
func (m Message) Args() []string {
	if len(m) < 3 {
		return nil
	}
	return m[2:]
}

// String renders the message without its terminator
func (m Message) String() string {
	return strings.Join(m, " ")
}

// Encode renders atoms as one terminated FUDI message
func Encode(atoms ...string) []byte {
	var buf bytes.Buffer
	for i, atom := range atoms {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(escape(atom))
	}
	buf.WriteString(";\n")
	return buf.Bytes()
}

// atomEscaper escapes every byte the decoder treats as syntax
var atomEscaper = strings.NewReplacer(
	`\`, `\\`,
	" ", `\ `,
	"\t", "\\\t",
	"\n", "\\\n",
	"\r", "\\\r",
	";", `\;`,
	",", `\,`,
)

func escape(atom string) string {
	if !strings.ContainsAny(atom, "\\ \t\n\r;,") {
		return atom
	}
	return atomEscaper.Replace(atom)
}

// Decoder reads FUDI messages from a stream. Partial messages stay buffered
// until their terminator arrives.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next non-empty message. A trailing fragment without a
// terminator is discarded at EOF.
func (d *Decoder) Next() (Message, error) {
	for {
		raw, err := d.readRaw()
		if err != nil {
			return nil, err
		}
		if msg := split(raw); len(msg) > 0 {
			return msg, nil
		}
	}
}

// readRaw reads up to an unescaped semicolon
func (d *Decoder) readRaw() ([]byte, error) {
	var out []byte
	for {
		chunk, err := d.r.ReadBytes(';')
		out = append(out, chunk...)
		if err != nil {
			return nil, err
		}
		if escapedTerminator(out) {
			continue
		}
		return out[:len(out)-1], nil
	}
}

// escapedTerminator reports whether the semicolon ending raw is preceded by
// an odd number of backslashes
func escapedTerminator(raw []byte) bool {
	n := 0
	for i := len(raw) - 2; i >= 0 && raw[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

// split breaks a raw message into atoms, honouring backslash escapes
func split(raw []byte) Message {
	var (
		msg     Message
		atom    strings.Builder
		escaped bool
		inAtom  bool
	)
	for _, c := range raw {
		switch {
		case escaped:
			atom.WriteByte(c)
			escaped = false
			inAtom = true
		case c == '\\':
			escaped = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if inAtom {
				msg = append(msg, atom.String())
				atom.Reset()
				inAtom = false
			}
		default:
			atom.WriteByte(c)
			inAtom = true
		}
	}
	if inAtom {
		msg = append(msg, atom.String())
	}
	return msg
}
