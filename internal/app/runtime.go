package app

import (
	"os"
	"strconv"
	"sync"
)

// TestModeEnv disables listeners and outbound connections at startup.
const TestModeEnv = "TOURDESK_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	return on
})

// InTestMode reports whether the process runs under the test harness.
func InTestMode() bool {
	return testMode()
}
