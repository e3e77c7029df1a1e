package redis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

// Los scripts Lua publican cada cambio como una secuencia de netstrings
// ("<len>:<bytes>,") con los campos: op, version, key, flags, old, new.
// flags contiene "o" si old está presente y "n" si new está presente.

const (
	opInsert    = "i"
	opUpdate    = "u"
	opDelete    = "d"
	opClear     = "c"
	opDestroyed = "x"
)

var errBadFrame = errors.New("redis: malformed frame")

type frame struct {
	op      string
	version uint64
	key     string
	old     []byte
	new     []byte
}

func (f frame) mutation() (mutation.Mutation, error) {
	switch f.op {
	case opInsert:
		return mutation.NewInsert(f.key, f.new, f.version), nil
	case opUpdate:
		return mutation.NewUpdate(f.key, f.old, f.new, f.version), nil
	case opDelete:
		return mutation.NewDelete(f.key, f.old, f.version), nil
	case opClear:
		return mutation.Cleared(f.version), nil
	default:
		return mutation.Mutation{}, fmt.Errorf("%w: op %q has no mutation", errBadFrame, f.op)
	}
}

func decodeFrame(payload string) (frame, error) {
	var fields [6]string
	rest := payload
	for i := range fields {
		var err error
		fields[i], rest, err = netstring(rest)
		if err != nil {
			return frame{}, err
		}
	}
	if rest != "" {
		return frame{}, fmt.Errorf("%w: trailing bytes", errBadFrame)
	}

	f := frame{op: fields[0], key: fields[2]}
	if fields[1] != "" {
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return frame{}, fmt.Errorf("%w: version: %v", errBadFrame, err)
		}
		f.version = v
	}
	if strings.Contains(fields[3], "o") {
		f.old = []byte(fields[4])
	}
	if strings.Contains(fields[3], "n") {
		f.new = []byte(fields[5])
	}
	return f, nil
}

// encodeFrame arma el mismo formato que los scripts; lo usan los tests.
func encodeFrame(f frame) string {
	flags := ""
	if f.old != nil {
		flags += "o"
	}
	if f.new != nil {
		flags += "n"
	}
	var b strings.Builder
	for _, s := range []string{f.op, strconv.FormatUint(f.version, 10), f.key, flags, string(f.old), string(f.new)} {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
		b.WriteByte(',')
	}
	return b.String()
}

func netstring(s string) (field, rest string, err error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", fmt.Errorf("%w: missing length", errBadFrame)
	}
	n, err := strconv.Atoi(s[:colon])
	if err != nil || n < 0 {
		return "", "", fmt.Errorf("%w: bad length %q", errBadFrame, s[:colon])
	}
	end := colon + 1 + n
	if end >= len(s) || s[end] != ',' {
		return "", "", fmt.Errorf("%w: truncated field", errBadFrame)
	}
	return s[colon+1 : end], s[end+1:], nil
}
