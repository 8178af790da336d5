package ldap

import (
	"context"
	"errors"
	"iter"
	"math"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// CursorConfig tunes search execution.
type CursorConfig struct {
	PageSize uint32 `default:"1000"`
	// UnboundedAfterCount is the VLV afterCount used when no limit is set.
	UnboundedAfterCount int64 `default:"100000000"`
	// MaxPages stops a runaway paged search.
	MaxPages            int    `default:"10000"`
	DefaultOrderingRule string `default:"caseIgnoreOrderingMatch"`
}

// DefaultCursorConfig returns a CursorConfig with defaults applied.
func DefaultCursorConfig() *CursorConfig {
	cfg := &CursorConfig{}
	if err := defaults.Set(cfg); err != nil {
		panic(err)
	}
	return cfg
}

type cursorState int

const (
	cursorIdle cursorState = iota
	cursorSearching
	cursorFormatting
	cursorDone
	cursorClosed
)

func (s cursorState) String() string {
	switch s {
	case cursorIdle:
		return "idle"
	case cursorSearching:
		return "searching"
	case cursorFormatting:
		return "formatting"
	case cursorDone:
		return "done"
	case cursorClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CursorOption configures a Cursor.
type CursorOption func(*Cursor)

// WithCursorMetrics records searches on m.
func WithCursorMetrics(m *Metrics) CursorOption {
	return func(c *Cursor) { c.metrics = m }
}

// Cursor executes one compiled search and hands out its rows. A cursor is
// single-pass and cannot be restarted.
type Cursor struct {
	id      string
	session Session
	cfg     CursorConfig
	metrics *Metrics

	state   cursorState
	req     *SearchRequest
	entries []*ldap.Entry
	rows    []Row
	pos     int
}

// NewCursor returns an idle cursor over session. A nil cfg uses defaults.
func NewCursor(session Session, cfg *CursorConfig, opts ...CursorOption) *Cursor {
	if cfg == nil {
		cfg = DefaultCursorConfig()
	}
	c := &Cursor{
		id:      uuid.NewString(),
		session: session,
		cfg:     *cfg,
	}
	if c.cfg.PageSize == 0 {
		c.cfg.PageSize = 1000
	}
	if c.cfg.UnboundedAfterCount <= 0 {
		c.cfg.UnboundedAfterCount = 100000000
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cursor) checkOpen(operation string) error {
	if c.state == cursorClosed {
		return newQueryError(operation, ErrorCategoryUnknown, "cursor already closed")
	}
	return nil
}

// Execute runs req and buffers its rows.
func (c *Cursor) Execute(ctx context.Context, req *SearchRequest) error {
	if err := c.checkOpen("execute"); err != nil {
		return err
	}
	if c.state != cursorIdle {
		return newQueryError("execute", ErrorCategoryNotSupported, "cursor is not restartable (state %s)", c.state)
	}
	if req == nil {
		return newQueryError("execute", ErrorCategoryValidation, "search request is nil")
	}

	c.req = req
	c.state = cursorSearching
	fields := map[string]any{
		"cursor_id": c.id,
		"base_dn":   req.BaseDN,
		"filter":    req.Filter,
		"strategy":  req.Strategy.String(),
	}
	LogSearchPlan(ctx, req)

	start := time.Now()
	entries, serverSliced, err := c.search(ctx, req)
	if err != nil {
		c.state = cursorDone
		LogLDAPError(ctx, SubsystemLDAPDB, "search", err, fields)
		return err
	}
	c.metrics.observeSearch(req.Strategy, req.ClientSort, len(entries))

	c.state = cursorFormatting
	if req.ClientSort {
		if err := sortEntries(entries, req.Ordering, req); err != nil {
			c.state = cursorDone
			return err
		}
	}
	if !serverSliced && req.Sliced() {
		lo, hi := sliceBounds(len(entries), req.Offset, req.Limit)
		entries = entries[lo:hi]
	}
	c.entries = entries

	if req.Count {
		c.rows = []Row{{len(entries)}}
	} else {
		c.rows = make([]Row, 0, len(entries))
		for _, e := range entries {
			row, err := shapeRow(e, req)
			if err != nil {
				c.state = cursorDone
				LogLDAPError(ctx, SubsystemLDAPDB, "format", err, fields)
				return err
			}
			c.rows = append(c.rows, row)
		}
	}
	c.state = cursorDone

	fields["entries_found"] = len(entries)
	fields["client_sorted"] = req.ClientSort
	LogPerformance(ctx, SubsystemLDAPDB, "search", time.Since(start), fields)
	return nil
}

// search dispatches on the planned strategy. serverSliced reports whether
// the server already applied offset and limit.
func (c *Cursor) search(ctx context.Context, req *SearchRequest) ([]*ldap.Entry, bool, error) {
	switch req.Strategy {
	case StrategySortAndWindow:
		entries, err := c.searchSortAndWindow(ctx, req)
		return entries, true, err
	case StrategySimplePaging:
		entries, err := c.searchPaged(ctx, req)
		return entries, false, err
	default:
		result, err := c.session.Search(ctx, c.newRequest(ctx, req, nil))
		if err != nil {
			return nil, false, err
		}
		return result.Entries, false, nil
	}
}

func (c *Cursor) newRequest(ctx context.Context, req *SearchRequest, controls []ldap.Control) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		req.BaseDN,
		req.Scope.ldapScope(),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		timeLimitSeconds(ctx, req.TimeLimit),
		false,
		req.Filter,
		req.Attributes,
		controls,
	)
}

// timeLimitSeconds maps the context deadline onto the server time limit,
// keeping whichever is tighter.
func timeLimitSeconds(ctx context.Context, limit time.Duration) int {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if limit <= 0 || remaining < limit {
			limit = remaining
		}
	}
	if limit <= 0 {
		return 0
	}
	return int(math.Ceil(limit.Seconds()))
}

func (c *Cursor) searchSortAndWindow(ctx context.Context, req *SearchRequest) ([]*ldap.Entry, error) {
	controls := []ldap.Control{newSortControl(req.Ordering)}
	if req.Sliced() {
		vlv := NewControlVLVRequest(req.Offset, req.Limit, c.cfg.UnboundedAfterCount)
		vlv.Criticality = true
		controls = append(controls, vlv)
	}

	result, err := c.session.Search(ctx, c.newRequest(ctx, req, controls))
	if err != nil {
		var lerr *LDAPError
		if errors.As(err, &lerr) && (lerr.LDAPCode == ldap.LDAPResultVirtualListViewErrorOrControlError || lerr.LDAPCode == ldap.LDAPResultOffsetRangeError) {
			tflog.SubsystemDebug(ctx, SubsystemLDAPDB, "Window outside result set", map[string]any{
				"cursor_id": c.id,
				"offset":    req.Offset,
				"code":      lerr.LDAPCode,
			})
			return nil, nil
		}
		return nil, err
	}
	if req.Sliced() && req.Limit > 0 && len(result.Entries) > req.Limit {
		result.Entries = result.Entries[:req.Limit]
	}
	return result.Entries, nil
}

func (c *Cursor) searchPaged(ctx context.Context, req *SearchRequest) ([]*ldap.Entry, error) {
	paging := ldap.NewControlPaging(c.cfg.PageSize)
	var all []*ldap.Entry
	page := 0

	for {
		if err := ctx.Err(); err != nil {
			tflog.SubsystemWarn(ctx, SubsystemLDAPDB, "Paged search cancelled", map[string]any{
				"cursor_id":       c.id,
				"pages_completed": page,
				"entries_found":   len(all),
			})
			return nil, contextError("paged search", err)
		}
		if c.cfg.MaxPages > 0 && page >= c.cfg.MaxPages {
			return nil, newQueryError("paged search", ErrorCategoryServer, "paged search exceeded %d pages", c.cfg.MaxPages)
		}
		page++

		result, err := c.session.Search(ctx, c.newRequest(ctx, req, []ldap.Control{paging}))
		if err != nil {
			return nil, err
		}
		all = append(all, result.Entries...)

		tflog.SubsystemTrace(ctx, SubsystemLDAPDB, "Completed search page", map[string]any{
			"cursor_id":       c.id,
			"page_number":     page,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(all),
		})

		resp, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(resp.Cookie) == 0 {
			break
		}
		paging.SetCookie(resp.Cookie)
	}
	return all, nil
}

// FetchOne returns the next row, or nil when the rows are exhausted.
func (c *Cursor) FetchOne() (Row, error) {
	if err := c.checkReadable("fetch"); err != nil {
		return nil, err
	}
	if c.pos >= len(c.rows) {
		return nil, nil
	}
	row := c.rows[c.pos]
	c.pos++
	return row, nil
}

// FetchMany returns up to n rows; n <= 0 fetches one.
func (c *Cursor) FetchMany(n int) ([]Row, error) {
	if err := c.checkReadable("fetch"); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}
	end := min(c.pos+n, len(c.rows))
	out := c.rows[c.pos:end]
	c.pos = end
	return out, nil
}

// FetchAll returns every remaining row.
func (c *Cursor) FetchAll() ([]Row, error) {
	if err := c.checkReadable("fetch"); err != nil {
		return nil, err
	}
	out := c.rows[c.pos:]
	c.pos = len(c.rows)
	return out, nil
}

// Rows iterates the remaining rows.
func (c *Cursor) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			row, err := c.FetchOne()
			if err != nil {
				yield(nil, err)
				return
			}
			if row == nil {
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (c *Cursor) checkReadable(operation string) error {
	if err := c.checkOpen(operation); err != nil {
		return err
	}
	if c.state != cursorDone || c.req == nil {
		return newQueryError(operation, ErrorCategoryUnknown, "cursor has not been executed")
	}
	return nil
}

// Description lists the column names of the executed search.
func (c *Cursor) Description() []string {
	if c.req == nil {
		return nil
	}
	return c.req.ColumnNames()
}

// Request returns the executed search, or nil before execution.
func (c *Cursor) Request() *SearchRequest {
	return c.req
}

// RowCount is the number of rows produced, or -1 before execution.
func (c *Cursor) RowCount() int {
	if c.req == nil || c.state != cursorDone {
		return -1
	}
	return len(c.rows)
}

// Entries returns the sorted and sliced entries behind the rows.
func (c *Cursor) Entries() []*ldap.Entry {
	return c.entries
}

// Close releases the buffered rows. Closing twice is a no-op.
func (c *Cursor) Close() error {
	if c.state == cursorClosed {
		return nil
	}
	c.state = cursorClosed
	c.rows = nil
	c.entries = nil
	c.req = nil
	return nil
}
