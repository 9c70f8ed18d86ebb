package wswriter

import (
	"io/ioutil"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestLimitedWriter(t *testing.T) {
	t.Parallel()

	// use uint8 to keep sizes reasonable
	checker := func(limit, n uint8) bool {
		w := Limit(ioutil.Discard, int64(limit))
		// at least one byte per write so the loop always terminates
		p := make([]byte, int(n)+1)

		var cnt, tot int
		var err error
		for {
			cnt, err = w.Write(p)
			tot += cnt
			if err != nil {
				break
			}
		}

		// the total written can never exceed the limit, and writing
		// repeatedly necessarily terminates with the limit error.
		return tot <= int(limit) && err == ErrWriteLimitExceeded
	}
	assert.NoError(t, quick.Check(checker, nil))
}
