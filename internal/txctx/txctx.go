// Package txctx implements the per-bundle TransactionContext:
// SPEC_FULL.md §9 replaces an ambient per-thread tempid table with an
// explicit value threaded through every Upsert Engine call, so intra-
// bundle references resolve without any shared mutable state.
package txctx

// ResourceKey identifies a resource by its permanent coordinates.
type ResourceKey struct {
	Type string
	ID   string
}

func (k ResourceKey) String() string { return k.Type + "/" + k.ID }

// Context is one transaction bundle's tempid table plus the local-id
// scope of whichever resource is currently being upserted (for
// contained-resource reference resolution).
type Context struct {
	// tempids maps a synthetic placeholder ("urn:uuid:..." or the bundle
	// entry's fullUrl) to the permanent (type, id) the Plan phase assigned
	// it, before any write has committed.
	tempids map[string]ResourceKey

	// localIDs is rebuilt for each entry being processed: the contained
	// resources declared on that entry, keyed by their local id.
	localIDs map[string]struct{}
}

func New() *Context {
	return &Context{tempids: make(map[string]ResourceKey)}
}

// BindTempID registers the permanent key a placeholder resolves to. Called
// during the Plan phase for every PUT Type/id (existing or not) and for
// every entry carrying a fullUrl, and again when a conditional create
// matches an existing resource.
func (c *Context) BindTempID(placeholder string, key ResourceKey) {
	c.tempids[placeholder] = key
}

// ResolveTempID looks up a placeholder bound earlier in this bundle.
func (c *Context) ResolveTempID(placeholder string) (ResourceKey, bool) {
	key, ok := c.tempids[placeholder]
	return key, ok
}

// SetLocalIDs scopes contained-resource resolution to the entry
// currently being upserted.
func (c *Context) SetLocalIDs(ids []string) {
	c.localIDs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.localIDs[id] = struct{}{}
	}
}

// HasLocalID reports whether id was declared as a contained resource on
// the entry currently in scope.
func (c *Context) HasLocalID(id string) bool {
	_, ok := c.localIDs[id]
	return ok
}
