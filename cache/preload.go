package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Loader fetches the remote resource identified by key.
type Loader func(ctx context.Context, key string) (any, error)

// HTTPLoader returns a Loader that treats keys as URLs and GETs them with
// hc (http.DefaultClient when nil). JSON bodies are stored as-is, anything
// else is stored as a JSON string.
func HTTPLoader(hc *http.Client) Loader {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(ctx context.Context, key string) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
		if err != nil {
			return nil, err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("cache: preload %s: unexpected status %d", key, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if json.Valid(body) {
			return json.RawMessage(body), nil
		}
		return string(body), nil
	}
}

// Preload fetches every key concurrently with the configured Loader and
// stores each result with opts. It waits for all fetches; a failed fetch is
// logged and does not affect the others.
func (m *Manager) Preload(ctx context.Context, keys []string, opts Options) {
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.preloadOne(ctx, key, opts); err != nil {
				m.cfg.logger.Warn("cache: preload failed", zap.String("key", key), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) preloadOne(ctx context.Context, key string, opts Options) error {
	if m.cfg.limiter != nil {
		if err := m.cfg.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	v, err := m.cfg.loader(ctx, key)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, v, opts)
}
