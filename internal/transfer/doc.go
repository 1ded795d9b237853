// Package transfer moves files between the server and agents in chunks.
//
// The Engine registers itself with a dispatch.Dispatcher for upload,
// download and screenshot. Outbound content is split into ChunkSize CHUNK
// frames with the final one sent as CHUNK_END. Inbound content is written to a
// Sink: a BufferSink returns the bytes in the Outcome, a FileSink stores them
// under <download_dir>/<command-id>/ with an extension sniffed from the data.
package transfer
