// Package tmcc implements the controller's wire protocol (TMCD): a
// line-oriented ASCII key/value RPC, one TCP connection per command,
// with a binary-framed escape for the geni_manifest RPC.
package tmcc

import (
	"regexp"
	"strconv"

	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

// responseGrammar tokenizes one response line: an optional leading bare
// type token, followed by zero or more KEY=VALUE pairs where VALUE is
// either a double-quoted (no internal quote) string or a run of
// non-space characters.
var responseGrammar = regexp.MustCompile(`^(?P<key>[A-Z]+)(=("(?P<quoted>[^"]*)"|(?P<value>[^ ]+)))?($| (?P<rest>.+)$)`)

var subexpIndex = func() map[string]int {
	m := make(map[string]int)
	for i, name := range responseGrammar.SubexpNames() {
		if name != "" {
			m[name] = i
		}
	}
	return m
}()

// Response is one parsed controller response line.
type Response struct {
	line         string
	responseType string
	hasType      bool
	kv           map[string]string
}

// ParseResponse parses a single response line (already trimmed of its
// trailing newline).
func ParseResponse(line string) (*Response, error) {
	r := &Response{line: line, kv: make(map[string]string)}

	rest := line
	first := true

	for {
		idx := responseGrammar.FindStringSubmatchIndex(rest)
		if idx == nil {
			return nil, &tmcderr.TmcdBadLine{Line: line, Position: len(line) - len(rest)}
		}

		group := func(name string) (string, bool) {
			i := subexpIndex[name]
			start, end := idx[2*i], idx[2*i+1]
			if start < 0 {
				return "", false
			}
			return rest[start:end], true
		}

		key, _ := group("key")
		value, hasValue := group("value")
		quoted, hasQuoted := group("quoted")

		switch {
		case hasValue:
			r.kv[key] = value
		case hasQuoted:
			r.kv[key] = quoted
		default:
			if !first {
				return nil, &tmcderr.TmcdBadLine{Line: line, Position: len(line) - len(rest)}
			}
			r.responseType = key
			r.hasType = true
		}

		first = false

		if restGroup, ok := group("rest"); ok {
			rest = restGroup
		} else {
			break
		}
	}

	return r, nil
}

// ResponseType returns the leading bare type token, if the line had one.
func (r *Response) ResponseType() (string, bool) {
	return r.responseType, r.hasType
}

// Get returns the raw string value of key.
func (r *Response) Get(key string) (string, error) {
	v, ok := r.kv[key]
	if !ok {
		return "", &tmcderr.TmcdMissingKey{Key: key, Line: r.line}
	}
	return v, nil
}

// GetUint16 parses the value of key as a base-10 uint16, the shape of
// every UID/GID/port field in this protocol.
func (r *Response) GetUint16(key string) (uint16, error) {
	v, err := r.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, &tmcderr.TmcdBadValue{Value: v, Err: err}
	}
	return uint16(n), nil
}
