// Package enginetest provides compliance test suites for threadrun Engine and
// Backend implementations.
//
// The suites live in subpackage clitest. Test authors call its exported
// Run*Tests functions (e.g., clitest.RunSpawnerTests,
// clitest.RunParserTests) with a factory function that returns the implementation under
// test. This ensures all backends satisfy the same behavioral contract.
//
// Example usage in a backend test file:
//
//	func TestClaudeBackend(t *testing.T) {
//	    clitest.RunSpawnerTests(t, func() cli.Spawner {
//	        return claude.New()
//	    })
//	}
package enginetest
