package retriever

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/service/workerpool"
)

// Deps carries the shared clients the default factory closes over. One set of
// deps serves every adapter; per-adapter settings come from the descriptor.
type Deps struct {
	Embedder domain.Embedder
	LLM      domain.LLMClient
	Vector   VectorBackend
	// SQL maps datasource names to row sources.
	SQL        map[string]RowSource
	HTTPClient *http.Client
	Pools      *workerpool.Manager
	Qdrant     config.QdrantDatasource
	// Dimensions is the embedding vector size used when creating collections.
	Dimensions int
}

// rowSource resolves a named SQL datasource. A blank name resolves to the
// sole configured source; with several sources the descriptor must name one.
func (d Deps) rowSource(name string) (RowSource, error) {
	if len(d.SQL) == 0 {
		return nil, fmt.Errorf("%w: no sql datasources configured", domain.ErrInvalidArgument)
	}
	if name == "" {
		if len(d.SQL) == 1 {
			for _, src := range d.SQL {
				return src, nil
			}
		}
		return nil, fmt.Errorf("%w: datasource name required (have %d sql datasources)", domain.ErrInvalidArgument, len(d.SQL))
	}
	src, ok := d.SQL[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sql datasource %q", domain.ErrInvalidArgument, name)
	}
	return src, nil
}

// DefaultFactory returns the factory for the built-in implementations. A
// missing implementation field defaults to vector.
func DefaultFactory(deps Deps) Factory {
	return func(_ domain.Context, desc domain.AdapterDescriptor, reg *Registry) (domain.Retriever, error) {
		switch desc.Implementation {
		case ImplVector, "":
			return NewVectorRetriever(desc.Name, desc.Config, deps.Qdrant, deps.Dimensions, deps.Embedder, deps.Vector, deps.Pools)
		case ImplSQL:
			src, err := deps.rowSource(desc.Datasource)
			if err != nil {
				return nil, err
			}
			return NewSQLRetriever(desc.Name, desc.Datasource, desc.Config, src)
		case ImplIntent:
			// The row source is optional here; the constructor rejects sql
			// templates when none is available.
			src, _ := deps.rowSource(desc.Datasource)
			return NewIntentRetriever(desc.Name, desc.Config, deps.Qdrant, deps.Dimensions, deps.Embedder, deps.Vector, deps.LLM, src, deps.HTTPClient, deps.Pools)
		case ImplHTTP:
			return NewHTTPRetriever(desc.Name, desc.Config, deps.HTTPClient)
		case ImplPassthrough:
			return NewPassthroughRetriever(desc.Name, desc.Config, deps.Qdrant, deps.Embedder, deps.Vector, deps.Pools)
		case ImplComposite:
			return NewCompositeRetriever(desc.Name, desc.Config, reg)
		default:
			return nil, fmt.Errorf("%w: unknown implementation %q", domain.ErrInvalidArgument, desc.Implementation)
		}
	}
}

// NewPooledClient builds the HTTP client shared by outbound retrievers.
// Connections are pooled per host and every request carries a trace span.
func NewPooledClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 20
	tr.IdleConnTimeout = 90 * time.Second
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(tr),
	}
}
