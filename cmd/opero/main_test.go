package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(fmt.Errorf("run interrupted: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("failed to start browser")))
}

func TestHandlePanic(t *testing.T) {
	var code int
	osExit = func(c int) { code = c }
	t.Cleanup(func() { osExit = os.Exit })

	func() {
		defer handlePanic()
		panic("boom")
	}()
	assert.Equal(t, 2, code)
}
