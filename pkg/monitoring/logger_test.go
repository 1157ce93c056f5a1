package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	var got string
	SetLogger(func(format string, v ...any) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("frames=%d", 3)
	assert.Equal(t, "frames=3", got)

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("ignored %s", "line") })
}
