/*
Package stream turns the raw output stream of a child process into an ordered sequence of lines.

A Reader owns one goroutine which reads the underlying stream in chunks. Every chunk is handed to the chunk observers
as it arrives, whether or not it contains a newline, so partial output such as progress bars can be mirrored live.
Completed lines are handed to the line observers and are also appended to an unbounded queue, which consumers pull
from with Next and WaitForMatch.

Because the queue is unbounded and ordered, no line is lost between two waits: waiting for the Nth occurrence of a
pattern is done by calling WaitForMatch N times.

A wait ends in one of three distinguishable ways besides a match: ErrEndOfStream when the stream closed first,
ErrTimeout when the deadline passed first, and ErrCancelled when the caller's context was cancelled.
*/
package stream
