package main

import "time"

const (
	txQueueSize       = 64   // queued tone schedules per device
	sinkQueueSize     = 256  // history / mqtt queue depth
	serialReadBufSize = 4096 // per read() buffer for serial backend
	// largeBufferReclaimThreshold is the capacity above which the serial RX
	// accumulation buffer is reallocated once drained.
	largeBufferReclaimThreshold = 64 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
	restartBackoffMin           = 100 * time.Millisecond
	restartBackoffMax           = 5 * time.Second
	// echoWindow is how far back a decoded message is matched against sent ones.
	echoWindow = 30 * time.Second
)
