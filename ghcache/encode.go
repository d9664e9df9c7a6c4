package ghcache

import (
	"bytes"
	"encoding/gob"
)

// wireEntry is the gob-encoded representation of a cached entry, used both
// to estimate in-process cache size and to serialize entries for the
// remote backend. Mirrors the header-then-body framing
// caddyserver/caddy's httpcache handler module uses for the same purpose.
type wireEntry struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
}

func encodeEntry(resp *CachedResponse) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireEntry{
		StatusCode: resp.StatusCode,
		Header:     map[string][]string(resp.Header),
		Body:       resp.Body,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*CachedResponse, error) {
	var w wireEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	return &CachedResponse{
		StatusCode: w.StatusCode,
		Header:     w.Header,
		Body:       w.Body,
	}, nil
}

func encodeKey(key CacheKey) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(key); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeKeyInto(data []byte, key *CacheKey) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(key)
}
