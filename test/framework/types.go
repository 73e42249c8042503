package framework

// TestingT is an interface matching the parts of testing.T the
// framework needs. Keeping it narrow lets helpers be reused from
// benchmarks and keeps the framework itself testable.
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
	Cleanup(func())
	TempDir() string
}
