package system

// Test-only access for the external test package, which cannot live in
// package system because it imports httpserver, creating an import cycle.
var (
	TerminationTestHook = &terminationTestHook
	Outcome             = outcome
)
