package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrKeyExtraction is returned when a client key cannot be derived from a request
var ErrKeyExtraction = errors.New("key extraction failed")

// KeyFunc derives the client part of a bucket key from a request.
type KeyFunc func(*http.Request) (string, error)

// IP keys clients by the connection's remote address.
func IP() KeyFunc {
	return func(r *http.Request) (string, error) {
		return remoteIP(r)
	}
}

// IPWithProxy keys clients by the first X-Forwarded-For hop, then X-Real-IP,
// then the remote address. Only use it behind a proxy that sets these headers.
func IPWithProxy() KeyFunc {
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return "ip:" + ip, nil
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return "ip:" + ip, nil
		}
		return remoteIP(r)
	}
}

func remoteIP(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "", fmt.Errorf("%w: empty remote address", ErrKeyExtraction)
	}
	return "ip:" + host, nil
}

// Header keys clients by the value of the named header.
func Header(name string) KeyFunc {
	return func(r *http.Request) (string, error) {
		v := r.Header.Get(name)
		if v == "" {
			return "", fmt.Errorf("%w: header %s is missing", ErrKeyExtraction, name)
		}
		return "header:" + strings.ToLower(name) + ":" + v, nil
	}
}

// Bearer keys clients by their bearer token. The token is hashed so that
// credentials never end up in store keys.
func Bearer() KeyFunc {
	return func(r *http.Request) (string, error) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: no bearer token", ErrKeyExtraction)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtraction)
		}
		sum := sha256.Sum256([]byte(token))
		return "bearer:" + hex.EncodeToString(sum[:8]), nil
	}
}

// Cookie keys clients by the value of the named cookie.
func Cookie(name string) KeyFunc {
	return func(r *http.Request) (string, error) {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return "", fmt.Errorf("%w: cookie %s is missing", ErrKeyExtraction, name)
		}
		return "cookie:" + name + ":" + c.Value, nil
	}
}

// Static puts every client in one shared bucket.
func Static(key string) KeyFunc {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtraction)
		}
		return "static:" + key, nil
	}
}

// FirstOf tries each KeyFunc in order and returns the first key found.
//
//	keys := FirstOf(Header("X-API-Key"), IPWithProxy())
func FirstOf(funcs ...KeyFunc) KeyFunc {
	return func(r *http.Request) (string, error) {
		errs := make([]error, 0, len(funcs))
		for _, fn := range funcs {
			key, err := fn(r)
			if err == nil && key != "" {
				return key, nil
			}
			if err == nil {
				err = fmt.Errorf("%w: empty key", ErrKeyExtraction)
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return "", fmt.Errorf("%w: no key functions", ErrKeyExtraction)
		}
		return "", errors.Join(errs...)
	}
}

// ParseKeyFunc builds a KeyFunc from its config form:
// "ip", "ip-proxy", "bearer", "header:<name>", "cookie:<name>", "static:<key>".
// Several forms separated by "|" are tried in order.
func ParseKeyFunc(def string) (KeyFunc, error) {
	if strings.Contains(def, "|") {
		var funcs []KeyFunc
		for _, part := range strings.Split(def, "|") {
			fn, err := ParseKeyFunc(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, fn)
		}
		return FirstOf(funcs...), nil
	}

	kind, arg, hasArg := strings.Cut(def, ":")
	switch kind {
	case "ip":
		return IP(), nil
	case "ip-proxy":
		return IPWithProxy(), nil
	case "bearer":
		return Bearer(), nil
	case "header", "cookie", "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("key extractor %q requires the form %s:<value>", def, kind)
		}
		switch kind {
		case "header":
			return Header(arg), nil
		case "cookie":
			return Cookie(arg), nil
		}
		return Static(arg), nil
	default:
		return nil, fmt.Errorf("unknown key extractor %q", def)
	}
}
