package host

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/guseggert/scripthost/stream"
)

// DefaultReadinessMarker is the marker the stock entrypoint script prints in its readiness line.
const DefaultReadinessMarker = "HttpNodeHost"

// Endpoint is where the child accepts invocations.
type Endpoint struct {
	Host string
	Port uint16
}

// URL returns the base URL of the endpoint. IPv6 hosts are bracketed.
func (e Endpoint) URL() string {
	h := strings.TrimSuffix(strings.TrimPrefix(e.Host, "["), "]")
	return "http://" + net.JoinHostPort(h, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string { return e.URL() }

// ReadinessPattern returns the pattern matching a whole readiness line for marker.
func ReadinessPattern(marker string) *regexp.Regexp {
	return regexp.MustCompile(`^\[` + regexp.QuoteMeta(marker) + `:Listening on \{(.*?)\} port (\d+)\]$`)
}

// ParseReadinessLine parses a readiness line of the form "[<marker>:Listening on {<host>} port <port>]".
// Lines that do not match, or whose port is out of range, are not readiness lines.
func ParseReadinessLine(marker, line string) (Endpoint, bool) {
	return parseReadiness(ReadinessPattern(marker), line)
}

func parseReadiness(re *regexp.Regexp, line string) (Endpoint, bool) {
	groups := re.FindStringSubmatch(line)
	if groups == nil {
		return Endpoint{}, false
	}
	port, err := strconv.ParseUint(groups[2], 10, 16)
	if err != nil {
		return Endpoint{}, false
	}
	return Endpoint{Host: groups[1], Port: uint16(port)}, true
}

// awaitEndpoint consumes lines from r until the readiness line, passing every other line to sink.
// The readiness line itself is consumed. Lines after it stay queued in r.
func awaitEndpoint(ctx context.Context, r *stream.Reader, re *regexp.Regexp, sink func(line string)) (Endpoint, error) {
	for {
		line, err := r.Next(ctx)
		if err != nil {
			return Endpoint{}, fmt.Errorf("waiting for readiness line: %w", err)
		}
		if ep, ok := parseReadiness(re, line); ok {
			return ep, nil
		}
		sink(line)
	}
}
