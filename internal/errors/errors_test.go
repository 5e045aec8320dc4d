package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type classified struct{ kind Kind }

func (c classified) Error() string   { return string(c.kind) }
func (c classified) ErrorKind() Kind { return c.kind }

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindValidation, KindOf(Validation("quote", base)))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("wrap: %w", Transient("panel", base))))
	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("wrap: %w", classified{KindConflict})))
	assert.Equal(t, KindUnknown, KindOf(base))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestIsMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("outer: %w", Fatal("ledger", errors.New("sum mismatch")))

	assert.True(t, errors.Is(err, ErrFatal))
	assert.False(t, errors.Is(err, ErrTransient))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(Auth("verify", errors.New("bad sig"))))
	assert.False(t, IsRetryable(Conflict("record", errors.New("amount"))))
	assert.True(t, IsRetryable(Transient("db", errors.New("timeout"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
}
