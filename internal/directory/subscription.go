package directory

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

const DefaultHTTPTimeout = 10 * time.Second

// SubscriptionSource fetches a node listing over HTTP. Two payload shapes
// are understood: a Clash YAML document carrying a proxies list, and a list
// of ss:// links, plain or wrapped in one base64 blob.
type SubscriptionSource struct {
	url    string
	client *http.Client
}

// NewSubscriptionSource creates a source for the given URL. A nil client
// falls back to a bounded default.
func NewSubscriptionSource(rawURL string, client *http.Client) *SubscriptionSource {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &SubscriptionSource{url: rawURL, client: client}
}

func (s *SubscriptionSource) Name() string { return "subscription" }

func (s *SubscriptionSource) Fetch() ([]types.Node, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch subscription: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription: read body: %w", err)
	}
	return parseSubscription(body)
}

// parseSubscription decodes a subscription payload into nodes. A document
// mentioning a proxies list is treated as Clash YAML; anything else as an
// ss:// link list.
func parseSubscription(body []byte) ([]types.Node, error) {
	if bytes.Contains(body, []byte("proxies:")) {
		return parseClashYAML(body)
	}
	return parseLinkList(body)
}

type clashDocument struct {
	Proxies []types.Node `yaml:"proxies"`
}

func parseClashYAML(body []byte) ([]types.Node, error) {
	var doc clashDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse clash yaml: %w", err)
	}

	nodes := make([]types.Node, 0, len(doc.Proxies))
	for _, n := range doc.Proxies {
		if n.Server == "" || n.Port <= 0 || n.Port > 65535 {
			logger.Warn().Str("name", n.Name).Msg("Skipping malformed proxy entry")
			continue
		}
		if n.Name == "" {
			n.Name = n.Addr()
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, errors.New("parse clash yaml: no usable proxies")
	}
	return nodes, nil
}

// parseLinkList handles bodies that are ss:// links, one per line, possibly
// wrapped in a single base64 blob as most providers serve them.
func parseLinkList(body []byte) ([]types.Node, error) {
	text := strings.TrimSpace(string(body))
	if !strings.Contains(text, "ss://") {
		compact := strings.Join(strings.Fields(text), "")
		if decoded, err := decodeBase64(compact); err == nil {
			text = decoded
		}
	}

	var nodes []types.Node
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "ss://") {
			continue
		}
		node, err := parseShadowsocksLink(line)
		if err != nil {
			logger.Warn().Err(err).Msg("Skipping unparseable subscription entry")
			continue
		}
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		return nil, errors.New("parse link list: no usable links")
	}
	return nodes, nil
}

// parseShadowsocksLink decodes one SIP002 ss:// URI
// (ss://base64(method:password)@host:port#name), falling back to the legacy
// fully-base64 form (ss://base64(method:password@host:port)#name).
func parseShadowsocksLink(link string) (types.Node, error) {
	raw := strings.TrimPrefix(link, "ss://")

	var name string
	if i := strings.LastIndex(raw, "#"); i >= 0 {
		if dec, err := url.PathUnescape(raw[i+1:]); err == nil {
			name = dec
		} else {
			name = raw[i+1:]
		}
		raw = raw[:i]
	}
	// Plugin parameters are irrelevant to plain relaying.
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i]
	}

	if !strings.Contains(raw, "@") {
		decoded, err := decodeBase64(raw)
		if err != nil {
			return types.Node{}, fmt.Errorf("decode ss link: %w", err)
		}
		raw = decoded
	}

	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return types.Node{}, errors.New("ss link: missing host part")
	}
	userinfo, hostport := raw[:at], raw[at+1:]

	// SIP002 keeps the userinfo base64 even when the host is plain.
	if decoded, err := decodeBase64(userinfo); err == nil {
		userinfo = decoded
	}
	method, password, ok := strings.Cut(userinfo, ":")
	if !ok {
		return types.Node{}, errors.New("ss link: missing cipher separator")
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return types.Node{}, fmt.Errorf("ss link: host part: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return types.Node{}, fmt.Errorf("ss link: bad port %q", portStr)
	}

	node := types.Node{
		Name:     name,
		Server:   host,
		Port:     port,
		Protocol: "ss",
		Cipher:   method,
		Password: password,
	}
	if node.Name == "" {
		node.Name = node.Addr()
	}
	return node, nil
}

// decodeBase64 tries the std and URL-safe alphabets, padded and raw, since
// providers are loose about which one they emit.
func decodeBase64(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), nil
		}
	}
	return "", errors.New("not valid base64")
}
