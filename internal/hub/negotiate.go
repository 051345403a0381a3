package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const maxNegotiateRedirects = 5

// NegotiateResponse is the body returned by the negotiate endpoint
type NegotiateResponse struct {
	NegotiateVersion    int                  `json:"negotiateVersion"`
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken,omitempty"`
	AvailableTransports []AvailableTransport `json:"availableTransports"`
	URL                 string               `json:"url,omitempty"`
	AccessToken         string               `json:"accessToken,omitempty"`
	Error               string               `json:"error,omitempty"`
}

// AvailableTransport describes one transport offered by negotiation
type AvailableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// connect negotiates, dials and performs the protocol handshake. Messages
// that arrived in the same frame as the handshake response are returned so
// the read loop can dispatch them.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, string, []Message, error) {
	header := c.header.Clone()
	if c.accessToken != nil {
		token, err := c.accessToken()
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to obtain access token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	target := c.url
	var connectionID string
	if !c.skipNegotiation {
		neg, endpoint, err := c.negotiate(ctx, target, header)
		if err != nil {
			return nil, "", nil, err
		}
		target = endpoint
		connectionID = neg.ConnectionID
		token := neg.ConnectionToken
		if token == "" {
			token = neg.ConnectionID
		}
		if token != "" {
			target, err = withQuery(target, "id", token)
			if err != nil {
				return nil, "", nil, err
			}
		}
	}

	wsURL, err := websocketURL(target)
	if err != nil {
		return nil, "", nil, err
	}

	ws, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	initial, err := c.handshake(ws)
	if err != nil {
		ws.Close()
		return nil, "", nil, err
	}

	return ws, connectionID, initial, nil
}

func (c *Conn) negotiate(ctx context.Context, endpoint string, header http.Header) (*NegotiateResponse, string, error) {
	for i := 0; i <= maxNegotiateRedirects; i++ {
		negotiateURL, err := negotiateURL(endpoint)
		if err != nil {
			return nil, "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, negotiateURL, bytes.NewReader(nil))
		if err != nil {
			return nil, "", fmt.Errorf("failed to create negotiate request: %w", err)
		}
		for k, v := range header {
			req.Header[k] = v
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("negotiate request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read negotiate response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("negotiate returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var neg NegotiateResponse
		if err := json.Unmarshal(body, &neg); err != nil {
			return nil, "", fmt.Errorf("failed to decode negotiate response: %w", err)
		}
		if neg.Error != "" {
			return nil, "", fmt.Errorf("negotiate failed: %s", neg.Error)
		}

		if neg.URL != "" {
			endpoint = neg.URL
			if neg.AccessToken != "" {
				header = header.Clone()
				header.Set("Authorization", "Bearer "+neg.AccessToken)
			}
			continue
		}

		if !supportsWebSockets(neg.AvailableTransports) {
			return nil, "", fmt.Errorf("server does not offer the WebSockets transport")
		}
		return &neg, endpoint, nil
	}

	return nil, "", fmt.Errorf("negotiate exceeded %d redirects", maxNegotiateRedirects)
}

func (c *Conn) handshake(ws *websocket.Conn) ([]Message, error) {
	deadline := time.Now().Add(c.handshakeTimeout)

	c.writeMu.Lock()
	err := ws.SetWriteDeadline(deadline)
	if err == nil {
		err = ws.WriteMessage(websocket.TextMessage, EncodeHandshakeRequest())
	}
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	if err := ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}

	var hs HandshakeResponse
	rest, err := ParseHandshake(data, &hs)
	if err != nil {
		return nil, err
	}
	if hs.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", hs.Error)
	}

	messages, err := ParseMessages(rest)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Discarding malformed hub message")
	}
	return messages, nil
}

func supportsWebSockets(transports []AvailableTransport) bool {
	// Older servers omit the list
	if len(transports) == 0 {
		return true
	}
	for _, t := range transports {
		if strings.EqualFold(t.Transport, "WebSockets") {
			return true
		}
	}
	return false
}

func negotiateURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", endpoint, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func withQuery(endpoint, key, value string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
