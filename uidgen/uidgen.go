// Package uidgen generates fresh DICOM UIDs under a registered site root.
// DICOM UIDs are dot-separated numeric strings (PS3.5 Section 9); this
// generator derives the variable suffix from a random UUID so concurrent
// goroutines never collide without needing a shared counter or lock.
package uidgen

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultRoot is the site UID root used when a printer config does not
// override it. It is not a registered IANA/HL7 root; it exists only to
// keep generated UIDs well-formed and internally unique.
const DefaultRoot = "1.2.826.0.1.3680043.8.498"

// Generator produces fresh UIDs rooted at Root.
type Generator struct {
	Root string
}

// New creates a Generator. An empty root falls back to DefaultRoot.
func New(root string) *Generator {
	if root == "" {
		root = DefaultRoot
	}
	return &Generator{Root: root}
}

// Next returns a new UID of the form "<root>.<digits>", built from a
// random UUID's bits so it stays within DICOM's 64-character UID limit
// and never starts with a leading zero.
func (g *Generator) Next() string {
	id := uuid.New()
	hi := id[0:8]
	lo := id[8:16]
	if hi[0] == 0 {
		hi[0] = 1
	}

	var sb strings.Builder
	sb.WriteString(g.Root)
	sb.WriteByte('.')
	for _, b := range hi {
		sb.WriteString(strconv.Itoa(int(b)))
	}
	sb.WriteByte('.')
	for _, b := range lo {
		sb.WriteString(strconv.Itoa(int(b)))
	}

	uid := sb.String()
	if len(uid) > 64 {
		uid = uid[:64]
		uid = strings.TrimRight(uid, ".")
	}
	return uid
}

// defaultGenerator backs the package-level NextUID convenience for
// callers that don't need a custom root or a *Generator of their own.
var defaultGenerator = New(DefaultRoot)

// NextUID returns a fresh UID rooted at DefaultRoot.
func NextUID() string {
	return defaultGenerator.Next()
}
