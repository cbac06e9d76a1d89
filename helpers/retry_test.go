package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Parallel()

	type Case struct {
		name        string
		max         int
		succeedAt   int
		expectCalls int
		expectWaits int
		expectErr   string
	}
	cases := []Case{
		{"first", 0, 1, 1, 0, ""},
		{"unlimited", 0, 50, 50, 49, ""},
		{"capped-ok", 5, 5, 5, 4, ""},
		{"capped-exhausted", 3, 10, 3, 2, "gave up after attempts=3 last=fail 3"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ns := &NoSleep{}
			r := Retry{Interval: time.Hour, MaxAttempts: c.max, Sleep: ns.Sleep}
			calls := 0
			err := r.Do(context.Background(), func(attempt int) (bool, error) {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt >= c.succeedAt {
					return true, nil
				}
				return false, fmt.Errorf("fail %d", attempt)
			})
			assert.Equal(t, c.expectCalls, calls)
			assert.Equal(t, c.expectWaits, ns.Count())
			if c.expectErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, err.Error())
				assert.True(t, IsExhausted(errors.Annotate(err, "outer")))
			}
		})
	}
}

func TestRetryContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := Retry{Interval: time.Millisecond}
	calls := 0
	err := r.Do(ctx, func(int) (bool, error) {
		calls++
		if calls == 3 {
			cancel()
		}
		return false, nil
	})
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 3, calls)
}

func TestDecodeKey(t *testing.T) {
	t.Parallel()

	b, err := DecodeKey("theIoTProjectPMK", 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("theIoTProjectPMK"), b)

	b, err = DecodeKey("000102030405060708090a0b0c0d0e0f", 16)
	require.NoError(t, err)
	assert.Equal(t, MustHex("000102030405060708090a0b0c0d0e0f"), b)

	_, err = DecodeKey("0001", 16)
	assert.True(t, errors.IsNotValid(err))
	_, err = DecodeKey("zz", 16)
	assert.True(t, errors.IsNotValid(err))
}

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	one := fmt.Errorf("one")
	assert.Equal(t, one, FoldErrors([]error{nil, one}))
	assert.Equal(t, "one\ntwo", FoldErrors([]error{one, fmt.Errorf("two")}).Error())
}
