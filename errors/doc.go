// Package errors provides the error classification used across the IRIS
// pipeline.
//
// # Overview
//
// Every error that crosses a component boundary falls into one of three
// classes:
//
//   - Transient: the kernel socket is missing or went away, a subscriber
//     write timed out, NATS is unreachable. Retry or wait.
//   - Invalid: a frame shorter than the event header, a payload a decoder
//     rejected, a bad configuration value. Drop the input, do not retry.
//   - Fatal: the process cannot continue, e.g. the HTTP listener could not
//     bind.
//
// # Wrapping
//
// Wrap adds component context while preserving the chain for errors.Is
// and errors.As:
//
//	if err := conn.Close(); err != nil {
//	    return errors.Wrap(err, "kernel.Client", "Disconnect", "close socket")
//	}
//
// The classified variants record the class explicitly:
//
//	return errors.WrapTransient(err, "kernel.Client", "dial", "connect to "+path)
//	return errors.WrapInvalid(errors.ErrHeaderTooShort, "HeaderParser", "ParseHeader", "parse frame")
//
// The message shape is "component.method: action failed: cause".
//
// # Classification
//
// IsTransient, IsInvalid and IsFatal look for a ClassifiedError first and
// fall back to the sentinel variables and well-known standard library
// errors (context deadlines, net.Error timeouts, ECONNREFUSED, io.EOF).
// Classify returns the class directly:
//
//	switch errors.Classify(err) {
//	case errors.ErrorTransient:
//	    scheduleReconnect()
//	case errors.ErrorInvalid:
//	    metrics.RecordHeaderReject()
//	default:
//	    return err
//	}
//
// IsEndpointMissing reports the "socket does not exist yet" case, which
// the transport keeps quiet about until it has connected once.
//
// # Standard library helpers
//
// Is, As, New and Join forward to the standard errors package so callers
// import a single errors package.
package errors
