package codex_test

import (
	"testing"

	"github.com/threadrun/threadrun/engine/cli"
	"github.com/threadrun/threadrun/engine/cli/codex"
	"github.com/threadrun/threadrun/enginetest/clitest"
)

func TestCompliance(t *testing.T) {
	clitest.RunBackendTests(t, func() cli.Backend {
		return codex.New()
	})
}
