package rmqlink

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/glimte/rmqlink/internal/rabbitmq"
)

// endpoint is one broker address a Connection may dial.
type endpoint struct {
	raw     string // as configured
	url     string // as dialed, without connection_timeout
	host    string
	tls     *tls.Config
	timeout time.Duration
}

func parseEndpoint(raw string, tlsConfig *tls.Config, defaultTimeout time.Duration) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("%w: invalid url %s", ErrInvalidConfiguration, rabbitmq.SanitizeURL(raw))
	}

	ep := endpoint{
		raw:     raw,
		host:    u.Hostname(),
		tls:     tlsConfig,
		timeout: defaultTimeout,
	}

	query := u.Query()
	if v := query.Get(connectionTimeoutParam); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return endpoint{}, fmt.Errorf("%w: invalid %s %q", ErrInvalidConfiguration, connectionTimeoutParam, v)
		}
		ep.timeout = time.Duration(ms) * time.Millisecond
		query.Del(connectionTimeoutParam)
		u.RawQuery = query.Encode()
	}
	ep.url = u.String()

	return ep, nil
}
