package telemetry

// Attribute names used on search spans and metrics
const (
	AttrSearchQuery      = "search.query"
	AttrSearchPage       = "search.page"
	AttrSearchLimit      = "search.limit"
	AttrSearchResults    = "search.results"
	AttrSearchCached     = "search.cached"
	AttrProviderName     = "search.provider"
	AttrProviderEndpoint = "search.provider.endpoint"
	AttrErrorKind        = "error.kind"
)

// Span names
const (
	SpanNameSearch     = "search.aggregate"
	SpanNameProvider   = "search.provider"
	SpanNameHTTPClient = "http.client"
)
