package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccepts(t *testing.T) {
	assert.True(t, accepts("inbox/acme/inv-1.PDF", "inbox/"))
	assert.True(t, accepts("anything.pdf", ""))
	assert.False(t, accepts("documents/x/source.pdf", "inbox/"))
	assert.False(t, accepts("inbox/readme.txt", "inbox/"))
}
