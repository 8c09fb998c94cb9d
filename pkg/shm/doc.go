// Package shm provides a lock-free many-to-one channel over a file-backed shared memory
// region for inter-process communication on one host.
//
// Channel is the ring itself: producers in any process claim space, copy their payload and
// commit; a single consumer reads committed records in order. Buffer owns the mapping of a
// region file and drives the consumer from a background goroutine with a spin, yield and
// park backoff. Buffers can be instrumented with OpenTelemetry metrics and tracing, and
// export a prometheus collector.
//
// Example usage:
//
//	buf, err := shm.Open(ctx, shm.OpenOptions{
//	  Path:     "/dev/shm/myqueue",
//	  Capacity: 1 << 20,
//	  Create:   true,
//	})
//	// ...
//	_ = buf.SetConsumer(func(msgTypeID int32, b []byte, index, length int) {
//	  handle(b[index : index+length])
//	})
//	ok, err := buf.Write([]byte("hello"))
//
// Platform-specific helpers are in internal/shm.
package shm

import "github.com/srediag/shmchan/internal/logging"

var logger = logging.New("pkg/shm")
