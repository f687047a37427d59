package instacache

import "time"

// Test constants shared by the package tests and examples.
const (
	// TestTTL is the standard TTL used in test cases
	TestTTL = time.Hour

	// TestPollInterval drives background reporters in tests
	TestPollInterval = 5 * time.Millisecond

	// TestSlowProducer is how long simulated slow producers take
	TestSlowProducer = 5 * time.Millisecond
)
