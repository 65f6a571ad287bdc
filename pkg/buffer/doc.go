// Package buffer provides a generic bounded ring buffer.
//
// The distributor gives every subscriber one of these as its send queue.
// Broadcasting writes to each queue without blocking; the subscriber's
// writer goroutine waits on Ready and drains the queue in batches. When a
// subscriber cannot keep up, the default Reject policy surfaces
// errors.ErrQueueFull so the distributor can drop that subscriber instead
// of stalling the ingest path:
//
//	q := buffer.NewCircularBuffer[[]byte](256)
//	if err := q.Write(msg); errors.Is(err, errors.ErrQueueFull) {
//	    // subscriber too slow
//	}
//
//	for {
//	    select {
//	    case <-q.Ready():
//	        for _, m := range q.ReadBatch(64) { send(m) }
//	    case <-q.Done():
//	        return
//	    }
//	}
//
// DropOldest and DropNewest are available for consumers that prefer
// lossy delivery over disconnection.
package buffer
