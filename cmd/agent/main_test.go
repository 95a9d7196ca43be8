package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArgumentsAreCheckedBeforeStartup(t *testing.T) {
	args := []string{"status", "T1", "APP-001"}
	assert.Less(t, len(args), minArgs["status"])
	assert.Equal(t, "", arg(args, 3))
	assert.Equal(t, "APP-001", arg(args, 2))
	assert.Zero(t, minArgs["sync"])
}
