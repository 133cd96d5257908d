package guest

import (
	"sync"

	"github.com/caffeineduck/wasmserve/hostfunc"
)

// Shared runtime for tests in this and dependent packages, so the WASI and
// wasmhttp host modules are built once per test binary.
var (
	testRuntime     *Runtime
	testRuntimeOnce sync.Once
	testRuntimeErr  error
)

// GetTestRuntime returns a shared Runtime for testing. Its registry holds
// only the defaults; tests that need more host functions create their own.
func GetTestRuntime() (*Runtime, error) {
	testRuntimeOnce.Do(func() {
		testRuntime, testRuntimeErr = New(hostfunc.NewRegistry())
	})
	return testRuntime, testRuntimeErr
}

// CloseTestRuntime closes the shared test runtime.
func CloseTestRuntime() {
	if testRuntime != nil {
		testRuntime.Close()
		testRuntime = nil
		testRuntimeOnce = sync.Once{}
	}
}
