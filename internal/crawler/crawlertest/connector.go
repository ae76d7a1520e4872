// Package crawlertest provides an in-memory repository connector for tests.
package crawlertest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Operation names accepted by FailOn and Calls.
const (
	OpSeeds    = "seeds"
	OpVersion  = "version"
	OpFetch    = "fetch"
	OpChildren = "children"
)

// Node is one document or container in the fake repository.
type Node struct {
	Version   crawler.DocumentVersion
	Container bool
	Children  []crawler.DocumentIdentifier
	Content   string
}

// Connector implements crawler.Connector[string]. Sessions are strings like
// "session-1"; every created session stays valid until destroyed.
type Connector struct {
	mu        sync.Mutex
	nodes     map[crawler.DocumentIdentifier]Node
	seeds     []crawler.DocumentIdentifier
	required  []string
	bins      []string
	failures  map[string]error
	createErr error
	checkErr  error
	calls     map[string][]crawler.DocumentIdentifier
	created   int
	destroyed int
	live      map[string]bool
	hook      func(op string, id crawler.DocumentIdentifier)
}

// New returns an empty repository.
func New() *Connector {
	return &Connector{
		nodes:    make(map[crawler.DocumentIdentifier]Node),
		failures: make(map[string]error),
		calls:    make(map[string][]crawler.DocumentIdentifier),
		live:     make(map[string]bool),
	}
}

// Put adds or replaces a node.
func (c *Connector) Put(id crawler.DocumentIdentifier, n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[id] = n
}

// Delete removes a node so it reports Absent.
func (c *Connector) Delete(id crawler.DocumentIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
}

// SetSeeds replaces the seed list.
func (c *Connector) SetSeeds(ids ...crawler.DocumentIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds = slices.Clone(ids)
}

// SetRequired declares required credential keys.
func (c *Connector) SetRequired(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.required = keys
}

// SetBins sets the bins reported for every identifier.
func (c *Connector) SetBins(bins ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bins = bins
}

// FailOn makes op fail with err for id. An empty id matches every identifier.
// A nil err clears the failure.
func (c *Connector) FailOn(op string, id crawler.DocumentIdentifier, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := op + ":" + string(id)
	if err == nil {
		delete(c.failures, key)
		return
	}
	c.failures[key] = err
}

// SetHook installs fn to run at the start of every repository call, outside
// the connector's lock. fn may block.
func (c *Connector) SetHook(fn func(op string, id crawler.DocumentIdentifier)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

// FailCreate makes session creation fail with err (nil clears it).
func (c *Connector) FailCreate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createErr = err
}

// FailCheck makes liveness checks fail with err (nil clears it).
func (c *Connector) FailCheck(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkErr = err
}

// Calls returns the identifiers op was invoked with, in call order.
func (c *Connector) Calls(op string) []crawler.DocumentIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls[op])
}

// ResetCalls forgets recorded calls.
func (c *Connector) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string][]crawler.DocumentIdentifier)
}

// Created reports how many sessions were created.
func (c *Connector) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

// Destroyed reports how many sessions were destroyed.
func (c *Connector) Destroyed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// RequiredCredentials implements crawler.Connector.
func (c *Connector) RequiredCredentials() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.required)
}

// CreateSession implements crawler.Connector.
func (c *Connector) CreateSession(context.Context, crawler.Credentials) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.created++
	s := fmt.Sprintf("session-%d", c.created)
	c.live[s] = true
	return s, nil
}

// CheckLive implements crawler.Connector.
func (c *Connector) CheckLive(_ context.Context, s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return c.checkErr
	}
	return c.sessionErr(s)
}

// DestroySession implements crawler.Connector.
func (c *Connector) DestroySession(_ context.Context, s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	delete(c.live, s)
	return nil
}

// ListSeeds implements crawler.Connector. The query, when set, keeps seeds
// with that prefix.
func (c *Connector) ListSeeds(_ context.Context, s string, query string, _ crawler.TimeWindow) ([]crawler.DocumentIdentifier, error) {
	c.runHook(OpSeeds, "")
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpSeeds, "", s); err != nil {
		return nil, err
	}
	var out []crawler.DocumentIdentifier
	for _, id := range c.seeds {
		if query == "" || strings.HasPrefix(string(id), query) {
			out = append(out, id)
		}
	}
	return out, nil
}

// GetVersion implements crawler.Connector.
func (c *Connector) GetVersion(_ context.Context, s string, id crawler.DocumentIdentifier) (crawler.VersionInfo, error) {
	c.runHook(OpVersion, id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpVersion, id, s); err != nil {
		return crawler.VersionInfo{}, err
	}
	n, ok := c.nodes[id]
	if !ok {
		return crawler.Absent(), nil
	}
	return crawler.VersionInfo{Version: n.Version, Container: n.Container}, nil
}

// Fetch implements crawler.Connector.
func (c *Connector) Fetch(_ context.Context, s string, id crawler.DocumentIdentifier) (crawler.Document, error) {
	c.runHook(OpFetch, id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpFetch, id, s); err != nil {
		return crawler.Document{}, err
	}
	n, ok := c.nodes[id]
	if !ok {
		return crawler.Document{}, fmt.Errorf("fetch %s: not found", id)
	}
	return crawler.Document{
		ID:       id,
		Version:  n.Version,
		URI:      "fake://" + string(id),
		MimeType: "text/plain",
		Length:   int64(len(n.Content)),
		Content:  io.NopCloser(strings.NewReader(n.Content)),
	}, nil
}

// ListChildren implements crawler.Connector.
func (c *Connector) ListChildren(_ context.Context, s string, id crawler.DocumentIdentifier) ([]crawler.DocumentIdentifier, error) {
	c.runHook(OpChildren, id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpChildren, id, s); err != nil {
		return nil, err
	}
	return slices.Clone(c.nodes[id].Children), nil
}

// ResolveBins implements crawler.Connector.
func (c *Connector) ResolveBins(crawler.DocumentIdentifier) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.bins)
}

func (c *Connector) runHook(op string, id crawler.DocumentIdentifier) {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(op, id)
	}
}

func (c *Connector) enter(op string, id crawler.DocumentIdentifier, s string) error {
	c.calls[op] = append(c.calls[op], id)
	if err := c.sessionErr(s); err != nil {
		return err
	}
	if err, ok := c.failures[op+":"+string(id)]; ok {
		return err
	}
	if err, ok := c.failures[op+":"]; ok {
		return err
	}
	return nil
}

func (c *Connector) sessionErr(s string) error {
	if !c.live[s] {
		return fmt.Errorf("session %q is not live", s)
	}
	return nil
}
