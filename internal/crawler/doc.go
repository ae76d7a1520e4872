// Package crawler holds the identifiers, versions, queue entries and
// collaborator interfaces shared by the crawl execution core. Connectors,
// version stores and downstream ingesters plug in through the interfaces in
// this package so the orchestration code never depends on a vendor SDK.
package crawler
