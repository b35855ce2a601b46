package ids

import (
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewIsSortedAndParsable(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id := New()
		if _, err := ulid.ParseStrict(id); err != nil {
			t.Fatalf("parse %q: %v", id, err)
		}
		if prev != "" && id <= prev {
			t.Fatalf("ids not increasing: %s <= %s", id, prev)
		}
		prev = id
	}
}
