// Package ingestion orchestrates document processing runs.
//
// A Pipeline moves every item of a source through three steps:
//   - Reading the item content from the source
//   - Invoking the remote parse, chunk and embed stages
//   - Writing the resulting elements to the destination
//
// Files are processed one at a time in enumeration order with a short pause
// between them. A failure is recorded against the file and the run moves on,
// so one bad document never stops a batch. An optional worker pool trades the
// strict ordering for throughput.
package ingestion
