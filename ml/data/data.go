// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data loads the names dataset used to train the character-level model: each example is
// a context of SeqLen characters and the label is the next character.
package data

import (
	"bufio"
	_ "embed"
	"io"
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/pkg/errors"
)

//go:embed names.txt
var namesTxt string

// DefaultNames returns the bundled list of names.
func DefaultNames() []string {
	names, err := ReadNames(strings.NewReader(namesTxt))
	if err != nil {
		panic(errors.WithMessage(err, "bundled names.txt is invalid"))
	}
	return names
}

// ReadNames reads one name per line, skipping empty lines. Names are lower-cased.
func ReadNames(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		name := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if name == "" {
			continue
		}
		if _, err := Encode(name); err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading names")
	}
	return names, nil
}

// LoadFile reads the names in the file at filePath. A leading "~" is replaced by the user's home directory.
func LoadFile(filePath string) ([]string, error) {
	filePath = ReplaceTildeInDir(filePath)
	exists, err := FileExists(filePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("names file %q not found", filePath)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filePath)
	}
	defer func() { _ = f.Close() }()
	names, err := ReadNames(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", filePath)
	}
	return names, nil
}

// FileExists returns whether the file or directory exists, or an error if it can't be checked.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "checking names file %q", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, err := user.Current()
	if err != nil {
		return dir
	}
	return path.Join(usr.HomeDir, dir[1:])
}
