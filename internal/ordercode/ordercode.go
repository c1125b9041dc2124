// Package ordercode generates the externally visible identifiers that
// correlate a payment row with the gateway's transaction.
package ordercode

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

// Generator produces order codes of the form PREFIX + base36 millisecond
// timestamp + random suffix, e.g. "CP-M3K9QJ2F-7XK4QD". Codes are practically
// collision-free under concurrent checkout; the unique constraint on the
// payments table is the backstop, and callers retry on a collision.
type Generator struct {
	Prefix    string
	SuffixLen int

	// now is overridable for tests.
	now func() time.Time
}

func New(prefix string) *Generator {
	return &Generator{
		Prefix:    prefix,
		SuffixLen: 6,
		now:       time.Now,
	}
}

// Generate returns a fresh order code.
func (g *Generator) Generate() (string, error) {
	ts := strings.ToUpper(strconv.FormatInt(g.now().UnixMilli(), 36))

	buf := make([]byte, g.SuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate order code suffix: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}

	return fmt.Sprintf("%s-%s-%s", g.Prefix, ts, string(buf)), nil
}
