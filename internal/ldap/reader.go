package ldap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SearchResult holds the entries collected by a Reader search.
type SearchResult struct {
	Entries []*ldap.Entry
	Pages   int
	HasMore bool // The search stopped before the server ran out of pages
}

// Reader runs searches on read-only connections borrowed from a KeyedPool.
// Transient failures are retried on a fresh connection.
type Reader struct {
	pool   *KeyedPool
	config *Config
}

// NewReader creates a Reader over pool.
func NewReader(pool *KeyedPool, config *Config) *Reader {
	if config == nil {
		config = DefaultConfig()
	}
	return &Reader{pool: pool, config: config}
}

// Search performs a single search request.
func (r *Reader) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	var result *ldap.SearchResult
	err := r.withRetry(ctx, func(conn *PooledConnection) error {
		var err error
		result, err = conn.Search(req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SearchPaged performs req with the simple paged results control, collecting
// every page on one connection. Paging cookies are bound to the connection,
// so a retry restarts from the first page.
func (r *Reader) SearchPaged(ctx context.Context, req *ldap.SearchRequest) (*SearchResult, error) {
	if r.config.SearchPageSize == 0 {
		result, err := r.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		return &SearchResult{Entries: result.Entries, Pages: 1}, nil
	}

	var out *SearchResult
	err := r.withRetry(ctx, func(conn *PooledConnection) error {
		var err error
		out, err = r.searchPages(ctx, conn, req)
		return err
	})
	return out, err
}

func (r *Reader) searchPages(ctx context.Context, conn *PooledConnection, req *ldap.SearchRequest) (*SearchResult, error) {
	start := time.Now()
	paging := ldap.NewControlPaging(uint32(r.config.SearchPageSize))
	out := &SearchResult{}

	fields := map[string]any{
		"base_dn":   req.BaseDN,
		"filter":    req.Filter,
		"page_size": r.config.SearchPageSize,
	}
	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Starting paged search", fields)

	for {
		if err := ctx.Err(); err != nil {
			out.HasMore = true
			return out, err
		}

		if r.config.SearchMaxPages > 0 && out.Pages >= r.config.SearchMaxPages {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Paged search reached page limit, terminating", map[string]any{
				"base_dn":       req.BaseDN,
				"max_pages":     r.config.SearchMaxPages,
				"entries_found": len(out.Entries),
			})
			out.HasMore = true
			return out, nil
		}

		pageReq := ldap.NewSearchRequest(
			req.BaseDN,
			req.Scope,
			req.DerefAliases,
			0, // No size limit when paging
			req.TimeLimit,
			req.TypesOnly,
			req.Filter,
			req.Attributes,
			append(append([]ldap.Control(nil), req.Controls...), paging),
		)

		result, err := conn.Search(pageReq)
		if err != nil {
			return nil, fmt.Errorf("paged search failed on page %d: %w", out.Pages+1, err)
		}

		out.Pages++
		out.Entries = append(out.Entries, result.Entries...)

		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Completed search page", map[string]any{
			"page_number":     out.Pages,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(out.Entries),
		})

		control, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(control.Cookie) == 0 {
			break
		}
		paging.SetCookie(control.Cookie)
	}

	fields["total_entries"] = len(out.Entries)
	fields["pages_processed"] = out.Pages
	fields["duration_ms"] = time.Since(start).Milliseconds()
	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Paged search completed", fields)

	return out, nil
}

// BaseDN reads the default naming context from the root DSE, falling back to
// the first entry of namingContexts.
func (r *Reader) BaseDN(ctx context.Context) (string, error) {
	req := ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 5, false,
		"(objectClass=*)",
		[]string{"defaultNamingContext", "namingContexts"},
		nil,
	)

	result, err := r.Search(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to read root DSE: %w", err)
	}
	if len(result.Entries) == 0 {
		return "", errors.New("no root DSE found")
	}

	rootDSE := result.Entries[0]
	if dn := rootDSE.GetAttributeValue("defaultNamingContext"); dn != "" {
		return dn, nil
	}
	if contexts := rootDSE.GetAttributeValues("namingContexts"); len(contexts) > 0 {
		return contexts[0], nil
	}
	return "", errors.New("root DSE advertises no naming context")
}

// withRetry borrows a read-only connection for each attempt. Retryable
// errors back off exponentially up to MaxRetries.
func (r *Reader) withRetry(ctx context.Context, fn func(conn *PooledConnection) error) error {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Retrying read", map[string]any{
				"attempt":    attempt,
				"max_retry":  r.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*r.config.BackoffFactor), r.config.MaxBackoff)
		}

		conn, err := r.pool.Borrow(ctx, ReadOnly)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrPoolClosed) || !IsRetryableError(err) {
				return err
			}
			continue
		}

		err = fn(conn)
		// Failed connections are destroyed on return.
		_ = conn.Close()
		if err == nil {
			return nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return err
		}
	}

	tflog.SubsystemError(ctx, SubsystemLDAP, "Read failed after all retries exhausted", map[string]any{
		"total_attempts": r.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("read failed after retries", false, lastErr)
}
