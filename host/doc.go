/*
Package host runs a script host child process and invokes exported functions in it over local HTTP.

Start writes the entrypoint script to a temporary file and launches the script runtime on it with
"--parentPid <pid> --port <port>". The child announces where it is listening with a single readiness line on stdout:

	[HttpNodeHost:Listening on {127.0.0.1} port 38645]

Until that line arrives, stdout lines are logged. After it, every later line is logged unchanged and never parsed
again. If stdout ends before the line arrives, the child died before it was ready, and every invocation fails with
ErrProcessNotReady.

An invocation is a POST of a JSON Request to the announced endpoint. The response content type selects how the result
is decoded: text/plain into a *string, application/json into any pointer, and application/octet-stream into an
*io.ReadCloser (or *any) holding the live response body, which the caller must close. Non-2xx responses carry
{errorMessage, errorDetails} and are returned as *InvocationError.
*/
package host
