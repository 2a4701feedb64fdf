package faultinjection_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ondisk/zreplicate/internal/faultinjection"
)

func TestArmAndDecrement(t *testing.T) {
	r := faultinjection.New()
	boom := errors.New("boom")
	r.Arm("site.a", 2, boom)

	assert.ErrorIs(t, r.Maybe("site.a"), boom)
	assert.ErrorIs(t, r.Maybe("site.a"), boom)
	assert.NoError(t, r.Maybe("site.a"))
	assert.Equal(t, 0, r.Remaining("site.a"))
}

func TestUnarmedSiteIsNoop(t *testing.T) {
	r := faultinjection.New()
	assert.NoError(t, r.Maybe("site.never-armed"))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *faultinjection.Registry
	assert.NoError(t, r.Maybe("site.a"))
	r.Arm("site.a", 1, errors.New("x")) // must not panic
}
