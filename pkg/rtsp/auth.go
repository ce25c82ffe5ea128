package rtsp

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// authScheme is the challenge scheme picked from WWW-Authenticate.
type authScheme int

const (
	authBasic authScheme = iota
	authDigest
)

// authSender computes Authorization headers for retried requests.
// Digest is preferred when the server offers both schemes.
type authSender struct {
	scheme   authScheme
	realm    string
	nonce    string
	username string
	password string
}

// newAuthSender parses a WWW-Authenticate header and binds it to the
// client's credentials.
func newAuthSender(challenge, username, password string) (*authSender, error) {
	if username == "" {
		return nil, &AuthError{Reason: "server requires credentials but none were provided in the URL"}
	}

	scheme, params, err := parseChallenge(challenge)
	if err != nil {
		return nil, err
	}

	as := &authSender{
		scheme:   scheme,
		realm:    params["realm"],
		nonce:    params["nonce"],
		username: username,
		password: password,
	}

	if as.scheme == authDigest && (as.realm == "" || as.nonce == "") {
		return nil, &AuthError{Reason: "digest challenge is missing realm or nonce"}
	}

	return as, nil
}

// authorization builds the Authorization header value for one request.
func (as *authSender) authorization(method, uri string) string {
	if as.scheme == authBasic {
		credentials := base64.StdEncoding.EncodeToString([]byte(as.username + ":" + as.password))
		return "Basic " + credentials
	}

	ha1 := md5Hex(as.username + ":" + as.realm + ":" + as.password)
	ha2 := md5Hex(method + ":" + uri)
	response := md5Hex(ha1 + ":" + as.nonce + ":" + ha2)

	return fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		as.username, as.realm, as.nonce, uri, response)
}

// parseChallenge splits a WWW-Authenticate value into its scheme and
// quoted parameters.
func parseChallenge(header string) (authScheme, map[string]string, error) {
	header = strings.TrimSpace(header)

	var scheme authScheme
	var rest string
	switch {
	case strings.HasPrefix(header, "Digest"):
		scheme = authDigest
		rest = strings.TrimPrefix(header, "Digest")
	case strings.HasPrefix(header, "Basic"):
		scheme = authBasic
		rest = strings.TrimPrefix(header, "Basic")
	default:
		return 0, nil, &AuthError{Reason: fmt.Sprintf("unsupported authentication scheme: %q", header)}
	}

	params := make(map[string]string)
	for _, part := range splitChallengeParams(rest) {
		eq := strings.Index(part, "=")
		if eq == -1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(part[:eq]))
		value := strings.TrimSpace(part[eq+1:])
		value = strings.Trim(value, `"`)
		params[key] = value
	}

	return scheme, params, nil
}

// splitChallengeParams splits on commas that sit outside quoted strings.
func splitChallengeParams(s string) []string {
	var parts []string
	var start int
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
