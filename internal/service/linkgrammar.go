package service

import (
	"net/url"
	"regexp"
	"strings"

	"invite-gate/internal/errs"
)

// Accepted path shapes of a protected resource link.
var linkShapes = []*regexp.Regexp{
	regexp.MustCompile(`^/joinchat/[A-Za-z0-9_-]{5,64}$`),
	regexp.MustCompile(`^/joingroup/[A-Za-z0-9_-]{3,64}$`),
	regexp.MustCompile(`^/\+[A-Za-z0-9_-]{5,64}$`),
	regexp.MustCompile(`^/addlist/[A-Za-z0-9_-]{5,64}$`),
	regexp.MustCompile(`^/[A-Za-z][A-Za-z0-9_]{4,31}$`),
}

// LinkGrammar validates target URLs against an https host allow-list and the
// known invite link shapes.
type LinkGrammar struct {
	hosts map[string]struct{}
}

func NewLinkGrammar(hosts []string) *LinkGrammar {
	g := &LinkGrammar{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			g.hosts[h] = struct{}{}
		}
	}
	return g
}

// Validate returns the normalised URL or a validation error.
func (g *LinkGrammar) Validate(raw string) (string, error) {
	const op = "LinkGrammar.Validate"

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errs.Validation(op, msgInvalidLink)
	}
	if u.Scheme != "https" || u.User != nil || u.Port() != "" || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", errs.Validation(op, msgInvalidLink)
	}

	host := strings.ToLower(u.Hostname())
	if _, ok := g.hosts[host]; !ok {
		return "", errs.Validation(op, msgInvalidLink)
	}

	path := u.EscapedPath()
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	for _, shape := range linkShapes {
		if shape.MatchString(path) {
			return "https://" + host + path, nil
		}
	}
	return "", errs.Validation(op, msgInvalidLink)
}
