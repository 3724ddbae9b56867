// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	// VocabSize is the number of tokens: the end-of-name marker plus the 26 lower case letters.
	VocabSize = 27

	// EndToken marks the end of a name. It is also used to pad the context of the first characters.
	EndToken int32 = 0
)

// Encode converts a lower case name to tokens: 'a' to 'z' become 1 to 26, and '.' is the EndToken.
func Encode(name string) ([]int32, error) {
	tokens := make([]int32, len(name))
	for ii := 0; ii < len(name); ii++ {
		c := name[ii]
		switch {
		case c == '.':
			tokens[ii] = EndToken
		case c >= 'a' && c <= 'z':
			tokens[ii] = int32(c-'a') + 1
		default:
			return nil, errors.Errorf("invalid character %q at position %d of %q", c, ii, name)
		}
	}
	return tokens, nil
}

// Decode converts tokens back to a string, with EndToken rendered as '.'.
func Decode(tokens []int32) string {
	var sb strings.Builder
	for _, t := range tokens {
		if t <= EndToken || t >= VocabSize {
			sb.WriteByte('.')
			continue
		}
		sb.WriteByte(byte('a' + t - 1))
	}
	return sb.String()
}
