/*
Package process launches and supervises a single child process with captured stdio.

Launch starts the command with stdin, stdout and stderr redirected to pipes (never through a shell), wraps stdout and
stderr in stream.Readers which are already running when Launch returns, and ties the process to a context: when that
context is done, the whole process tree is killed.

Termination always covers the process tree, not just the direct child. On Unix the child is started in its own process
group, the tree is snapshotted before anything is killed, then the group and every descendant in the snapshot are sent
SIGKILL. A naive kill of the direct child would leak grandchildren, e.g. the real server process behind an npm or shell
dispatcher.

Termination is a guarded one-shot routine: whichever of Handle.Kill and the context callback runs first does the work,
the other is a no-op.
*/
package process
