package orch

import (
	"net/url"
	"strings"

	"github.com/dkeye/Interpreter/internal/domain"
)

func joinURI(base, segment string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(segment)
}

func withCallQuery(base string, callID domain.CallID) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("call", string(callID))
	q.Set("format", "acs")
	u.RawQuery = q.Encode()
	return u.String()
}
