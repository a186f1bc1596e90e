// Package local adapts OpenAI-compatible local runtimes (Ollama, LM Studio,
// llama.cpp server). The dialect is the OpenAI one; the differences are the
// default base URL and that no credential is required.
package local

import (
	"net/http"

	"github.com/smartrouter/smartrouter/internal/providers/openai"
	"github.com/smartrouter/smartrouter/internal/router"
)

// DefaultBaseURL points at Ollama's OpenAI-compatible endpoint.
const DefaultBaseURL = "http://localhost:11434/v1"

// New creates the local adapter. Local runtimes answer slowly on cold model
// loads, so callers should give the channel a generous timeout instead of
// relying on a client-level one.
func New(reg *router.Registry, opts ...Option) router.Adapter {
	oaOpts := []openai.Option{
		openai.WithKind("local"),
		openai.WithDefaultBaseURL(DefaultBaseURL),
	}
	return openai.New(reg, append(oaOpts, opts...)...)
}

// Option configures the adapter.
type Option = openai.Option

// WithHTTPClient overrides the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return openai.WithHTTPClient(c)
}

// WithStreamHTTPClient overrides the client used for SSE bodies.
func WithStreamHTTPClient(c *http.Client) Option {
	return openai.WithStreamHTTPClient(c)
}
