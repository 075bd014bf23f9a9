// Package connection carries commands and events between kernel hosts.
//
// A Serializer turns commands and events into envelopes tagged with their
// command or event type, and back. A Transport moves envelopes; three are
// provided:
//
//   - NewPipe: an in-process pair, mostly for tests and embedding
//   - NewStreamTransport: newline-delimited JSON over an io.Reader/io.Writer
//     pair such as a child process's stdio
//   - DialWebSocket and WebSocketHandler: JSON text messages over WebSocket
package connection
