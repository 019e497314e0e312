// Package compiler turns filter rules into tool command templates.
// The ethernet compiler targets ebtables, the IP compiler targets
// iptables/ip6tables; both resolve variable references against a
// binding and emit instructions for the deployment flow.
package compiler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"grimm.is/tapguard/internal/rule"
)

var (
	// ErrFormatOverflow reports a resolved value too large for its
	// field.
	ErrFormatOverflow = errors.New("value too long for field")

	// ErrCompileRejected reports a rule the target tool cannot
	// express.
	ErrCompileRejected = errors.New("rule cannot be compiled")
)

// Field size limits, matching what the tools accept.
const (
	maxMACLen     = 17
	maxAddrLen    = 45
	maxNumberLen  = 11
	maxPortLen    = 19
	maxSetNameLen = 31

	// maxCommentLen caps the free-text comment match.
	maxCommentLen = 256
)

// field resolves an item and enforces the field size limit.
func field(item *rule.MatchItem, b rule.Binding, max int) (string, error) {
	v, err := item.Resolve(b)
	if err != nil {
		return "", err
	}
	if len(v) > max {
		return "", fmt.Errorf("%w: %q exceeds %d bytes", ErrFormatOverflow, v, max)
	}
	return v, nil
}

// hexField resolves a numeric item and renders it in hex, accepting
// decimal or 0x-prefixed input.
func hexField(item *rule.MatchItem, b rule.Binding) (string, error) {
	v, err := field(item, b, maxNumberLen)
	if err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return "", fmt.Errorf("invalid numeric value %q: %w", v, err)
	}
	return fmt.Sprintf("0x%x", n), nil
}

// negSign returns the tool negation token for an item.
func negSign(item *rule.MatchItem) string {
	if item.Negated {
		return "!"
	}
	return ""
}

// emit appends the non-empty parts to the buffer, each preceded by a
// single space.
func emit(sb *strings.Builder, parts ...string) {
	for _, p := range parts {
		if p == "" {
			continue
		}
		sb.WriteByte(' ')
		sb.WriteString(p)
	}
}

// shellComment renders the comment variable assignment line,
// single-quote escaped and truncated to maxCommentLen.
func shellComment(comment string) string {
	if len(comment) > maxCommentLen {
		comment = comment[:maxCommentLen]
	}
	var sb strings.Builder
	sb.WriteString("comment='")
	for i := 0; i < len(comment); i++ {
		if comment[i] == '\'' {
			sb.WriteString(`'\''`)
		} else {
			sb.WriteByte(comment[i])
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

// ipsetFlags renders the declared ipset match sides relative to the
// compile direction.
func ipsetFlags(flags []rule.IPSetDir, directionIn bool) string {
	var sb strings.Builder
	for i, f := range flags {
		if i > 0 {
			sb.WriteByte(',')
		}
		src := f == rule.IPSetSrc
		if directionIn {
			src = !src
		}
		if src {
			sb.WriteString("src")
		} else {
			sb.WriteString("dst")
		}
	}
	return sb.String()
}
