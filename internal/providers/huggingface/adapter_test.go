package huggingface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_ID(t *testing.T) {
	a := New("key", "")
	assert.Equal(t, "huggingface", a.ID())
}
