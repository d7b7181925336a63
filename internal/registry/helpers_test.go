package registry_test

import "time"

const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)
