package document

import (
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// CollationSpec is the user-facing collation of a collection or index. An
// empty locale or "simple" means binary comparison.
type CollationSpec struct {
	Locale   string `json:"locale,omitempty" bson:"locale,omitempty" msgpack:"locale,omitempty"`
	Strength int    `json:"strength,omitempty" bson:"strength,omitempty" msgpack:"strength,omitempty"`
}

func (s CollationSpec) IsSimple() bool {
	return s.Locale == "" || s.Locale == "simple"
}

// Collator compares strings under a locale. A nil *Collator compares
// bytewise. It is safe for concurrent use.
type Collator struct {
	spec CollationSpec
	mu   sync.Mutex
	c    *collate.Collator
	buf  collate.Buffer
}

// NewCollator returns nil for the simple collation.
func NewCollator(spec CollationSpec) *Collator {
	if spec.IsSimple() {
		return nil
	}
	var opts []collate.Option
	// Strengths 1 and 2 ignore case; strength 1 also ignores accents.
	switch spec.Strength {
	case 1:
		opts = append(opts, collate.IgnoreCase, collate.IgnoreDiacritics)
	case 2:
		opts = append(opts, collate.IgnoreCase)
	}
	return &Collator{spec: spec, c: collate.New(language.Make(spec.Locale), opts...)}
}

func (c *Collator) Spec() CollationSpec {
	if c == nil {
		return CollationSpec{Locale: "simple"}
	}
	return c.spec
}

// CompareString orders a and b.
func (c *Collator) CompareString(a, b string) int {
	if c == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.CompareString(a, b)
}

// Key returns a sort key for s whose byte order matches CompareString.
func (c *Collator) Key(s string) []byte {
	if c == nil {
		return []byte(s)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
	key := c.c.KeyFromString(&c.buf, s)
	out := make([]byte, len(key))
	copy(out, key)
	return out
}
