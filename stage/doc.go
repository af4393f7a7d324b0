// Package stage describes the remote parse, chunk and embed stages and
// invokes them through the document service's pipeline endpoint.
//
// A Set holds the three stage configurations in their fixed execution order.
// The Invoker posts a file together with the encoded Set, retries failed
// attempts on a constant backoff, and returns the embedded elements with the
// per-stage counts reported by the service.
package stage
