// Package magpie provides an enterprise knowledge collector and retrieval
// engine.
//
// Magpie continuously ingests documents from heterogeneous sources (Jira,
// Slack, Gmail, Drive, Confluence, Calendar, GitHub), normalizes them into a
// common document model, enriches each with relevance signals, stores them in
// a content-addressed vector index, and serves hybrid (vector + keyword +
// metadata) search and graph-like navigation over the unified corpus.
//
// # Quick Start
//
// Install Magpie:
//
//	go install github.com/magpielabs/magpie/cmd/magpie@latest
//
// Create a configuration:
//
//	redis:
//	  url: "redis://localhost:6379/0"
//	embedder:
//	  model: "nomic-embed-text"
//	sources:
//	  jira:
//	    base_url: "https://example.atlassian.net"
//	    username: "${JIRA_USERNAME}"
//	    api_token: "${JIRA_API_TOKEN}"
//
// Start the server:
//
//	magpie serve --config magpie.yaml
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/magpielabs/magpie/pkg/engine"
//	    "github.com/magpielabs/magpie/pkg/search"
//	    "github.com/magpielabs/magpie/pkg/config"
//	)
//
// # Key Features
//
//   - Cursor-driven incremental sync: phased, paged, resumable batches with
//     stale-token recovery and content-hash deduplication
//   - Per-source relevance enrichment feeding the ranking pipeline
//   - Chunked, content-addressed vector store with context-enriched
//     embeddings and metadata-only fast-path updates
//   - Hybrid search combining vector similarity and keyword matching via
//     Reciprocal Rank Fusion, with post-retrieval boosts
//   - Navigation across chunks, logical datapoints and source contexts
//
// # Architecture
//
// A workflow invocation picks a source, loads cursor and settings, calls the
// connector for one batch, applies relevance weights, diffs hashes against
// the cursor store, upserts changed documents to the vector store, advances
// the cursor, records analytics, and returns a has-more signal. Search and
// navigation read from the vector store only.
//
// # Alpha Status
//
// Magpie is currently in alpha development. APIs may change, and some
// features are experimental.
package magpie
